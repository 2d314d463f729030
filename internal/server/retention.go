package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/havenhealth/auditvault/internal/ledger"
	"github.com/havenhealth/auditvault/internal/retention"
	"go.uber.org/zap"
)

// RetentionHandler exposes retention policy, legal hold, and disposal
// operations over HTTP.
type RetentionHandler struct {
	engine *retention.Engine
	ledger *ledger.Ledger
	logger *zap.Logger
}

// NewRetentionHandler creates a RetentionHandler.
func NewRetentionHandler(e *retention.Engine, l *ledger.Ledger, logger *zap.Logger) *RetentionHandler {
	return &RetentionHandler{engine: e, ledger: l, logger: logger}
}

// Register mounts read routes on the auditor group and mutating routes on
// the compliance group.
func (h *RetentionHandler) Register(read, manage *gin.RouterGroup) {
	r := read.Group("/retention")
	{
		r.GET("/policies", h.ListPolicies)
		r.GET("/holds", h.ListHolds)
		r.GET("/schedules", h.ListSchedules)
		r.GET("/certificates", h.ListCertificates)
		r.GET("/evaluate", h.Evaluate)
	}

	m := manage.Group("/retention")
	{
		m.POST("/policies", h.CreatePolicy)
		m.POST("/holds", h.CreateHold)
		m.POST("/holds/:id/release", h.ReleaseHold)
		m.POST("/schedules", h.Schedule)
		m.POST("/schedules/:id/execute", h.ExecuteSchedule)
		m.POST("/dispose", h.Dispose)
	}
}

// ListPolicies handles GET /retention/policies.
func (h *RetentionHandler) ListPolicies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policies": h.engine.Policies()})
}

// CreatePolicy handles POST /retention/policies.
func (h *RetentionHandler) CreatePolicy(c *gin.Context) {
	var p retention.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if claims := SessionClaims(c); claims != nil {
		p.CreatedBy = claims.Subject
	}

	created, err := h.engine.CreatePolicy(p)
	if err != nil {
		if errors.Is(err, retention.ErrPolicyViolation) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("create policy", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create policy"})
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ListHolds handles GET /retention/holds.
func (h *RetentionHandler) ListHolds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"legal_holds": h.engine.Holds()})
}

type createHoldRequest struct {
	CaseReference  string          `json:"case_reference"`
	Reason         string          `json:"reason" binding:"required"`
	SearchCriteria ledger.Criteria `json:"search_criteria"`
	EndDate        *time.Time      `json:"end_date"`
}

// CreateHold handles POST /retention/holds.
func (h *RetentionHandler) CreateHold(c *gin.Context) {
	var req createHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hold := retention.LegalHold{
		CaseReference:  req.CaseReference,
		Reason:         req.Reason,
		SearchCriteria: req.SearchCriteria,
		EndDate:        req.EndDate,
	}
	if claims := SessionClaims(c); claims != nil {
		hold.CreatedBy = claims.Subject
	}

	created, err := h.engine.CreateLegalHold(c.Request.Context(), hold)
	if err != nil {
		h.logger.Error("create legal hold", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create legal hold"})
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ReleaseHold handles POST /retention/holds/:id/release.
func (h *RetentionHandler) ReleaseHold(c *gin.Context) {
	releasedBy := ""
	if claims := SessionClaims(c); claims != nil {
		releasedBy = claims.Subject
	}

	hold, err := h.engine.ReleaseLegalHold(c.Param("id"), releasedBy)
	if err != nil {
		switch {
		case errors.Is(err, retention.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "legal hold not found"})
		case errors.Is(err, retention.ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			h.logger.Error("release legal hold", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to release hold"})
		}
		return
	}
	c.JSON(http.StatusOK, hold)
}

// Evaluate handles GET /retention/evaluate. It runs policy evaluation over
// the matching events without executing anything.
func (h *RetentionHandler) Evaluate(c *gin.Context) {
	criteria, err := parseCriteria(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	events, err := h.ledger.Query(criteria)
	if err != nil {
		h.logger.Error("query events for evaluation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query events"})
		return
	}

	decision := h.engine.ApplyRetentionPolicies(events, time.Time{})
	c.JSON(http.StatusOK, gin.H{
		"to_archive":    len(decision.ToArchive),
		"to_delete":     len(decision.ToDelete),
		"to_retain":     len(decision.ToRetain),
		"on_legal_hold": len(decision.OnLegalHold),
	})
}

// ListSchedules handles GET /retention/schedules.
func (h *RetentionHandler) ListSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"schedules": h.engine.Schedules()})
}

// Schedule handles POST /retention/schedules. It evaluates policy over the
// whole ledger and records pending archive and delete actions.
func (h *RetentionHandler) Schedule(c *gin.Context) {
	events, err := h.ledger.Query(ledger.Criteria{})
	if err != nil {
		h.logger.Error("query events for scheduling", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query events"})
		return
	}

	created, err := h.engine.ScheduleRetentionActions(events, time.Time{})
	if err != nil {
		h.logger.Error("schedule retention actions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to schedule actions"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"schedules": created})
}

// ExecuteSchedule handles POST /retention/schedules/:id/execute.
func (h *RetentionHandler) ExecuteSchedule(c *gin.Context) {
	sc, err := h.engine.ExecuteSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, retention.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		case errors.Is(err, retention.ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			h.logger.Error("execute schedule", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to execute schedule"})
		}
		return
	}
	c.JSON(http.StatusOK, sc)
}

type disposeRequest struct {
	Method    retention.DisposalMethod `json:"method" binding:"required"`
	Witnesses []string                 `json:"witnesses"`
	Criteria  ledger.Criteria          `json:"criteria"`
}

// Dispose handles POST /retention/dispose. Disposal is fatal; a legal hold
// conflict aborts the whole request before anything is destroyed.
func (h *RetentionHandler) Dispose(c *gin.Context) {
	var req disposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, err := h.ledger.Query(req.Criteria)
	if err != nil {
		h.logger.Error("query events for disposal", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query events"})
		return
	}
	if len(events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no events match the disposal criteria"})
		return
	}

	cert, err := h.engine.PerformSecureDisposal(c.Request.Context(), events, req.Method, req.Witnesses)
	if err != nil {
		var conflict *retention.LegalHoldConflictError
		if errors.As(err, &conflict) {
			c.JSON(http.StatusConflict, gin.H{
				"error":    conflict.Error(),
				"event_id": conflict.EventID,
				"hold_id":  conflict.HoldID,
			})
			return
		}
		h.logger.Error("secure disposal", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "disposal failed"})
		return
	}

	RecordDisposal(string(req.Method))
	c.JSON(http.StatusCreated, cert)
}

// ListCertificates handles GET /retention/certificates.
func (h *RetentionHandler) ListCertificates(c *gin.Context) {
	certs, err := h.engine.Certificates()
	if err != nil {
		h.logger.Error("load certificates", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load certificates"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificates": certs, "count": len(certs)})
}
