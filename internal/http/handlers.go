package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	"github.com/fyrsmithlabs/conclave/internal/orchestrator"
	"github.com/fyrsmithlabs/conclave/internal/taskgraph"
	"github.com/fyrsmithlabs/conclave/internal/voting"
)

const maxPrecedents = 50

func (s *Server) handleListGates(c echo.Context) error {
	return c.JSON(http.StatusOK, GatesResponse{Gates: s.deps.Gates.Catalog().Gates()})
}

func (s *Server) handleEvaluate(c echo.Context) error {
	var req EvaluateRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid evaluate request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Artifact) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "artifact field is required")
	}

	dec, err := s.deps.Gates.Evaluate(c.Request().Context(), c.Param("gate"), voting.Input{
		Artifact:     req.Artifact,
		Context:      req.Context,
		ContextQuery: req.ContextQuery,
		Voters:       req.Voters,
	})
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, EvaluateResponse{Decision: dec, Passed: dec.Passed(), Summary: dec.Summary()})
}

// handlePrecedents serves GET /api/v1/precedents?q=...&k=&threshold=
// &decision_type=&exclude_project=&min_score=.
func (s *Server) handlePrecedents(c echo.Context) error {
	q := contextgraph.Query{
		Text:           strings.TrimSpace(c.QueryParam("q")),
		DecisionType:   c.QueryParam("decision_type"),
		ExcludeProject: c.QueryParam("exclude_project"),
	}
	if q.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q parameter is required")
	}
	var err error
	if q.K, err = intParam(c, "k"); err != nil {
		return err
	}
	if q.K > maxPrecedents {
		q.K = maxPrecedents
	}
	if q.Threshold, err = floatParam(c, "threshold"); err != nil {
		return err
	}
	if c.QueryParam("min_score") != "" {
		minScore, err := floatParam(c, "min_score")
		if err != nil {
			return err
		}
		q.MinOutcomeScore = &minScore
	}

	resp := PrecedentsResponse{Query: q.Text}
	ps, err := s.deps.Traces.FindPrecedents(c.Request().Context(), q)
	var pse *contextgraph.PrecedentStoreError
	switch {
	case errors.As(err, &pse):
		resp.Degraded = pse.Error()
	case err != nil:
		return s.apiError(c, err)
	}
	if ps == nil {
		ps = []contextgraph.Precedent{}
	}
	resp.Precedents = ps
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetTrace(c echo.Context) error {
	t, err := s.deps.Traces.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleRecordOutcome(c echo.Context) error {
	var req OutcomeRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid outcome request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Score == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "score field is required")
	}
	actor := req.Actor
	if actor == "" {
		actor = "api"
	}

	t, err := s.deps.Traces.RecordOutcome(c.Request().Context(), c.Param("id"), contextgraph.OutcomeUpdate{
		Outcome:  req.Outcome,
		Score:    *req.Score,
		Notes:    req.Notes,
		Override: req.Override,
		Actor:    actor,
		Reason:   req.Reason,
	})
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

// handlePatterns serves GET /api/v1/patterns?project=&decision_type=
// &decision=&tags=a,b&since=RFC3339&limit=.
func (s *Server) handlePatterns(c echo.Context) error {
	f := contextgraph.Filter{
		ProjectID:    c.QueryParam("project"),
		DecisionType: c.QueryParam("decision_type"),
		Decision:     c.QueryParam("decision"),
	}
	if tags := c.QueryParam("tags"); tags != "" {
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Tags = append(f.Tags, t)
			}
		}
	}
	if since := c.QueryParam("since"); since != "" {
		at, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC 3339")
		}
		f.Since = at
	}
	var err error
	if f.Limit, err = intParam(c, "limit"); err != nil {
		return err
	}

	summary, err := s.deps.Traces.PatternAnalysis(c.Request().Context(), f)
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) handleListProjects(c echo.Context) error {
	ps, err := s.deps.Projects.List(c.Request().Context())
	if err != nil {
		return s.apiError(c, err)
	}
	out := ProjectsResponse{Projects: make([]ProjectStatus, 0, len(ps))}
	for _, p := range ps {
		out.Projects = append(out.Projects, projectStatus(p))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleStartProject(c echo.Context) error {
	var req StartProjectRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid project request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := s.deps.Projects.Start(c.Request().Context(), req.ID, strings.TrimSpace(req.Feature))
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleGetProject(c echo.Context) error {
	p, err := s.deps.Projects.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// handleAdvance runs one phase. A phase that ends blocked is not an
// error; the returned project carries the reason.
func (s *Server) handleAdvance(c echo.Context) error {
	p, err := s.deps.Projects.Advance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleAbort(c echo.Context) error {
	p, err := s.deps.Projects.Abort(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleResume(c echo.Context) error {
	p, err := s.deps.Projects.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// handleUnblock serves POST /api/v1/projects/:id/unblock.
func (s *Server) handleUnblock(c echo.Context) error {
	var req UnblockRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid unblock request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Action == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "action field is required")
	}
	p, err := s.deps.Projects.Unblock(c.Request().Context(), c.Param("id"), orchestrator.Intervention{
		Action: orchestrator.Action(req.Action),
		Actor:  req.Actor,
		Reason: req.Reason,
	})
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// handleLessons serves GET /api/v1/lessons?gate=.
func (s *Server) handleLessons(c echo.Context) error {
	gate := c.QueryParam("gate")
	lessons, err := s.deps.Traces.Lessons(c.Request().Context(), gate)
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, LessonsResponse{Gate: gate, Lessons: lessons})
}

func (s *Server) handleValidatePlan(c echo.Context) error {
	var req ValidatePlanRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid plan request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Plan) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "plan field is required")
	}
	return c.JSON(http.StatusOK, ValidatePlan(req.Plan))
}

// ValidatePlan parses and validates a YAML task plan.
func ValidatePlan(plan string) ValidatePlanResponse {
	parsed := taskgraph.ParsePlan(plan)
	resp := ValidatePlanResponse{
		Valid:  parsed.OK(),
		Tasks:  parsed.Data,
		Errors: parsed.Errors,
	}
	if len(parsed.Data) > 0 {
		resp.Warnings = taskgraph.PlanWarnings(parsed.Data)
		var ce *taskgraph.CycleError
		if errors.As(taskgraph.ValidatePlan(parsed.Data), &ce) {
			resp.Cycle = ce.Path
		}
	}
	return resp
}

func intParam(c echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}

func floatParam(c echo.Context, name string) (float64, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a number")
	}
	return f, nil
}
