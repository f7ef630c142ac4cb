// Package httpapi exposes the mission API over HTTP.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/helioslabs/missiond/internal/gate"
	"github.com/helioslabs/missiond/internal/ledger"
	"github.com/helioslabs/missiond/internal/mission"
	"github.com/helioslabs/missiond/internal/pipeline"
)

// maxManifestBytes caps mission manifest uploads.
const maxManifestBytes = 1 << 20

// API registers mission routes against a pipeline manager.
type API struct {
	manager *pipeline.Manager
	logger  *zap.Logger
}

// NewAPI creates the mission API.
func NewAPI(manager *pipeline.Manager, logger *zap.Logger) (*API, error) {
	if manager == nil {
		return nil, errors.New("manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{manager: manager, logger: logger}, nil
}

// RegisterRoutes attaches the API under /api/v1.
func (a *API) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/api/v1")
	v1.POST("/missions", a.handleSubmit)
	v1.GET("/sessions", a.handleList)
	v1.GET("/sessions/:id", a.handleGet)
	v1.GET("/sessions/:id/ledger", a.handleLedger)
	v1.GET("/sessions/:id/artifacts", a.handleArtifacts)
	v1.POST("/sessions/:id/checkpoints/:stage/approve", a.handleApprove)
	v1.POST("/sessions/:id/checkpoints/:stage/reject", a.handleReject)
	v1.POST("/sessions/:id/abort", a.handleAbort)
	v1.POST("/sessions/:id/export", a.handleExport)
}

// SubmitResponse is the response body for POST /api/v1/missions.
type SubmitResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// DecisionRequest is the request body for checkpoint resolution.
type DecisionRequest struct {
	Actor   string `json:"actor"`
	Comment string `json:"comment,omitempty"`
}

// AbortRequest is the request body for POST /api/v1/sessions/:id/abort.
type AbortRequest struct {
	Reason string `json:"reason"`
}

// ExportRequest is the request body for POST /api/v1/sessions/:id/export.
type ExportRequest struct {
	Destination string `json:"destination"`
}

// LedgerResponse is the response body for GET /api/v1/sessions/:id/ledger.
type LedgerResponse struct {
	SessionID string         `json:"session_id"`
	Entries   []ledger.Entry `json:"entries"`
}

// handleSubmit accepts a YAML mission manifest and launches a session.
func (a *API) handleSubmit(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxManifestBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading request body")
	}

	ms, err := mission.Load(raw)
	if err != nil {
		a.logger.Warn("rejected mission manifest", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// The pipeline outlives the request, so detach from its cancellation
	// while keeping trace values.
	sess, err := a.manager.Launch(context.WithoutCancel(c.Request().Context()), ms)
	if err != nil {
		if errors.Is(err, mission.ErrValidation) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		a.logger.Error("failed to launch session", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "launching session")
	}

	return c.JSON(http.StatusAccepted, SubmitResponse{
		SessionID: sess.ID(),
		Status:    string(sess.Status()),
	})
}

func (a *API) handleList(c echo.Context) error {
	snaps := a.manager.List()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	return c.JSON(http.StatusOK, snaps)
}

func (a *API) handleGet(c echo.Context) error {
	sess, err := a.manager.Get(c.Param("id"))
	if err != nil {
		return notFound(err)
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

func (a *API) handleLedger(c echo.Context) error {
	sess, err := a.manager.Get(c.Param("id"))
	if err != nil {
		return notFound(err)
	}
	return c.JSON(http.StatusOK, LedgerResponse{
		SessionID: sess.ID(),
		Entries:   sess.Ledger.Entries(),
	})
}

func (a *API) handleArtifacts(c echo.Context) error {
	sess, err := a.manager.Get(c.Param("id"))
	if err != nil {
		return notFound(err)
	}
	return c.JSON(http.StatusOK, sess.Artifacts.List())
}

func (a *API) handleApprove(c echo.Context) error {
	id, stage, req, err := a.bindDecision(c)
	if err != nil {
		return err
	}
	if err := a.manager.Approve(id, stage, req.Actor); err != nil {
		return decisionErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *API) handleReject(c echo.Context) error {
	id, stage, req, err := a.bindDecision(c)
	if err != nil {
		return err
	}
	if err := a.manager.Reject(id, stage, req.Actor, req.Comment); err != nil {
		return decisionErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *API) handleAbort(c echo.Context) error {
	var req AbortRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	if err := a.manager.Abort(c.Param("id"), req.Reason); err != nil {
		return notFound(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (a *API) handleExport(c echo.Context) error {
	var req ExportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Destination == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "destination field is required")
	}

	sess, err := a.manager.Get(c.Param("id"))
	if err != nil {
		return notFound(err)
	}
	if err := sess.Export(req.Destination); err != nil {
		a.logger.Error("export failed",
			zap.String("session_id", sess.ID()),
			zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "exporting session")
	}
	return c.NoContent(http.StatusCreated)
}

func (a *API) bindDecision(c echo.Context) (string, mission.Stage, DecisionRequest, error) {
	stage := mission.Stage(c.Param("stage"))
	if !mission.ValidStage(stage) {
		return "", "", DecisionRequest{}, echo.NewHTTPError(http.StatusBadRequest, "unknown stage")
	}

	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return "", "", DecisionRequest{}, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}
	return c.Param("id"), stage, req, nil
}

func notFound(err error) error {
	if errors.Is(err, pipeline.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func decisionErr(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, gate.ErrNotPending), errors.Is(err, gate.ErrAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
