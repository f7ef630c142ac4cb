package mission

// Stage is a named phase of a research pipeline.
type Stage string

const (
	StageLiteratureReview Stage = "literature_review"
	StageDataAcquisition  Stage = "data_acquisition"
	StageAnalysis         Stage = "analysis"
	StageWriting          Stage = "writing"
	StageSelfReview       Stage = "self_review"
)

// allStages is the canonical stage ordering.
var allStages = []Stage{
	StageLiteratureReview,
	StageDataAcquisition,
	StageAnalysis,
	StageWriting,
	StageSelfReview,
}

// AllStages returns the canonical stage ordering.
func AllStages() []Stage {
	out := make([]Stage, len(allStages))
	copy(out, allStages)
	return out
}

// ValidStage reports whether s names a pipeline stage.
func ValidStage(s Stage) bool {
	for _, stage := range allStages {
		if s == stage {
			return true
		}
	}
	return false
}

// StageOrder returns the sequence of stages the mission's mode runs.
// Meta-analysis skips data acquisition unless the mission explicitly
// requested raw-data pulls.
func StageOrder(m *Mission) []Stage {
	if m.Mode == ModeMetaAnalysis && !m.RawDataPulls() {
		return []Stage{StageLiteratureReview, StageAnalysis, StageWriting, StageSelfReview}
	}
	return AllStages()
}
