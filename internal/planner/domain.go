package planner

import (
	"fmt"
	"strings"
)

// DomainPack carries the research conventions of one domain: the analysis
// methods and statistical frameworks the collaborator should reach for, and
// guidance folded into the consultation prompt.
type DomainPack struct {
	Name                  string
	Description           string
	AnalysisMethods       []string
	StatisticalFrameworks []string
	Guidance              string
}

var domainPacks = map[string]DomainPack{
	"bioinformatics": {
		Name:        "bioinformatics",
		Description: "Computational biology, genomics, and systems biology",
		AnalysisMethods: []string{
			"differential_expression", "pathway_analysis", "sequence_alignment",
			"phylogenetics", "gene_ontology_enrichment",
		},
		StatisticalFrameworks: []string{
			"limma", "DESeq2", "edgeR", "multiple_testing_correction",
		},
		Guidance: "Focus on biological interpretation. Consider multiple testing " +
			"correction for high-dimensional data. Report fold changes and " +
			"adjusted p-values.",
	},
	"physics": {
		Name:        "physics",
		Description: "Computational and theoretical physics",
		AnalysisMethods: []string{
			"numerical_simulation", "monte_carlo", "finite_element", "spectral_analysis",
		},
		StatisticalFrameworks: []string{
			"uncertainty_propagation", "bayesian_inference", "chi_square_fitting",
		},
		Guidance: "Report uncertainties and error propagation. Use SI units. " +
			"Consider dimensional analysis for sanity checks.",
	},
	"cs_ml": {
		Name:        "cs_ml",
		Description: "Computer science and machine learning research",
		AnalysisMethods: []string{
			"cross_validation", "ablation_study", "hyperparameter_search", "benchmark_evaluation",
		},
		StatisticalFrameworks: []string{
			"bootstrap", "significance_testing", "confidence_intervals",
		},
		Guidance: "Report standard deviations across runs. Use proper train/val/test " +
			"splits. Compare against established baselines.",
	},
	"comp_chem": {
		Name:        "comp_chem",
		Description: "Computational chemistry and drug discovery",
		AnalysisMethods: []string{
			"molecular_docking", "qsar_modeling", "conformational_analysis", "property_prediction",
		},
		StatisticalFrameworks: []string{
			"leave_one_out_cv", "external_validation", "applicability_domain",
		},
		Guidance: "Consider ADMET properties. Report binding affinities with " +
			"appropriate units. Validate models on external datasets.",
	},
	"economics": {
		Name:        "economics",
		Description: "Quantitative economics and econometrics",
		AnalysisMethods: []string{
			"regression_analysis", "time_series", "causal_inference", "panel_data",
		},
		StatisticalFrameworks: []string{
			"instrumental_variables", "difference_in_differences", "regression_discontinuity",
		},
		Guidance: "Address endogeneity concerns. Report robust standard errors. " +
			"Consider selection bias and confounding.",
	},
}

// PackFor returns the resource pack for a research domain. Unknown domains
// get a bare pack so missions outside the curated set still run.
func PackFor(domain string) DomainPack {
	if p, ok := domainPacks[domain]; ok {
		return p
	}
	return DomainPack{Name: domain, Description: fmt.Sprintf("Research in %s", domain)}
}

// promptSection renders the pack for inclusion in a consultation prompt. A
// pack with no curated content renders nothing.
func (p DomainPack) promptSection() string {
	if len(p.AnalysisMethods) == 0 && len(p.StatisticalFrameworks) == 0 && p.Guidance == "" {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\nDomain: %s (%s)\n", p.Name, p.Description)
	if len(p.AnalysisMethods) > 0 {
		fmt.Fprintf(&b, "Preferred analysis methods: %s\n", strings.Join(p.AnalysisMethods, ", "))
	}
	if len(p.StatisticalFrameworks) > 0 {
		fmt.Fprintf(&b, "Statistical frameworks: %s\n", strings.Join(p.StatisticalFrameworks, ", "))
	}
	if p.Guidance != "" {
		fmt.Fprintf(&b, "%s\n", p.Guidance)
	}
	return b.String()
}
