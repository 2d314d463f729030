package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/havenhealth/auditvault/internal/ledger"
	"go.uber.org/zap"
)

// EventHandler exposes the audit event ledger over HTTP.
type EventHandler struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(l *ledger.Ledger, logger *zap.Logger) *EventHandler {
	return &EventHandler{ledger: l, logger: logger}
}

// RegisterRead mounts the query routes on the auditor-level group.
func (h *EventHandler) RegisterRead(rg *gin.RouterGroup) {
	ev := rg.Group("/events")
	{
		ev.GET("", h.Query)
		ev.GET("/summary", h.Summary)
		ev.GET("/export", h.Export)
		ev.GET("/verify", h.Verify)
	}
}

// RegisterWrite mounts the recording route on the compliance-level group.
func (h *EventHandler) RegisterWrite(rg *gin.RouterGroup) {
	rg.POST("/events", h.Record)
}

type recordRequest struct {
	UserID      string            `json:"user_id" binding:"required"`
	SessionID   string            `json:"session_id"`
	Action      string            `json:"action" binding:"required"`
	Resource    string            `json:"resource" binding:"required"`
	ResourceID  string            `json:"resource_id"`
	Details     map[string]string `json:"details"`
	Result      ledger.Result     `json:"result" binding:"required"`
	RiskLevel   ledger.RiskLevel  `json:"risk_level"`
	PHIInvolved bool              `json:"phi_involved"`
}

// Record handles POST /events.
func (h *EventHandler) Record(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.RiskLevel == "" {
		req.RiskLevel = ledger.RiskLow
	}

	stored, err := h.ledger.Append(c.Request.Context(), ledger.Event{
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Action:      req.Action,
		Resource:    req.Resource,
		ResourceID:  req.ResourceID,
		Details:     req.Details,
		Result:      req.Result,
		RiskLevel:   req.RiskLevel,
		PHIInvolved: req.PHIInvolved,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrChainNotInitialized) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger not initialized"})
			return
		}
		h.logger.Error("append event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record event"})
		return
	}

	RecordEvent(string(stored.RiskLevel))
	c.JSON(http.StatusCreated, stored)
}

// parseCriteria builds query criteria from URL parameters.
func parseCriteria(c *gin.Context) (ledger.Criteria, error) {
	criteria := ledger.Criteria{
		UserID:   c.Query("user_id"),
		Action:   c.Query("action"),
		Resource: c.Query("resource"),
		Result:   ledger.Result(c.Query("result")),
		Risk:     ledger.RiskLevel(c.Query("risk_level")),
	}
	if v := c.Query("date_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return criteria, errors.New("date_from must be RFC 3339")
		}
		criteria.DateFrom = &t
	}
	if v := c.Query("date_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return criteria, errors.New("date_to must be RFC 3339")
		}
		criteria.DateTo = &t
	}
	if v := c.Query("phi_involved"); v != "" {
		phi, err := strconv.ParseBool(v)
		if err != nil {
			return criteria, errors.New("phi_involved must be a boolean")
		}
		criteria.PHI = &phi
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return criteria, errors.New("limit must be a non-negative integer")
		}
		criteria.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return criteria, errors.New("offset must be a non-negative integer")
		}
		criteria.Offset = n
	}
	return criteria, nil
}

// Query handles GET /events.
func (h *EventHandler) Query(c *gin.Context) {
	criteria, err := parseCriteria(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, err := h.ledger.Query(criteria)
	if err != nil {
		h.logger.Error("query events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// timeRange extracts the from/to window shared by summary and export.
func timeRange(c *gin.Context) (from, to time.Time, err error) {
	to = time.Now().UTC()
	from = to.AddDate(0, -1, 0)
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return from, to, errors.New("from must be RFC 3339")
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return from, to, errors.New("to must be RFC 3339")
		}
	}
	return from, to, nil
}

// Summary handles GET /events/summary.
func (h *EventHandler) Summary(c *gin.Context) {
	from, to, err := timeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, err := h.ledger.GenerateSummary(from, to)
	if err != nil {
		h.logger.Error("generate summary", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate summary"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Export handles GET /events/export.
func (h *EventHandler) Export(c *gin.Context) {
	from, to, err := timeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	format := ledger.ExportFormat(c.DefaultQuery("format", string(ledger.ExportJSON)))
	switch format {
	case ledger.ExportJSON:
		c.Header("Content-Type", "application/json")
		c.Header("Content-Disposition", `attachment; filename="audit_export.json"`)
	case ledger.ExportCSV:
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", `attachment; filename="audit_export.csv"`)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be json or csv"})
		return
	}

	if err := h.ledger.Export(c.Writer, from, to, format); err != nil {
		h.logger.Error("export events", zap.Error(err))
		c.Status(http.StatusInternalServerError)
	}
}

// Verify handles GET /events/verify. It walks the full hash chain and
// reports the first break, if any.
func (h *EventHandler) Verify(c *gin.Context) {
	criteria := ledger.Criteria{}
	events, err := h.ledger.Query(criteria)
	if err != nil {
		h.logger.Error("load events for verification", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load events"})
		return
	}

	if err := h.ledger.VerifyEvents(events); err != nil {
		var broken *ledger.ChainBrokenError
		if errors.As(err, &broken) {
			c.JSON(http.StatusOK, gin.H{
				"valid":  false,
				"index":  broken.Index,
				"reason": broken.Reason,
			})
			return
		}
		h.logger.Error("verify chain", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "events": len(events)})
}
