package threat

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides admin endpoints for community threat reports.
type Handler struct {
	store Store
	now   func() time.Time
}

// NewHandler creates a new threat handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

// RegisterAdminRoutes sets up threat routes behind the admin guard.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/threats", h.Report)
}

// ReportRequest submits a raw indicator; only its hash is stored.
type ReportRequest struct {
	Value      string  `json:"value"`
	Kind       Kind    `json:"kind"`
	Severity   float64 `json:"severity"`
	Confidence float64 `json:"confidence"`
}

// Report stores or replaces a threat report.
func (h *Handler) Report(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Value == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "value, kind, severity and confidence are required"})
		return
	}
	r := Report{
		Hash:       Hash(req.Value),
		Kind:       req.Kind,
		Severity:   req.Severity,
		Confidence: req.Confidence,
		ReportedAt: h.now().UTC(),
	}
	if err := r.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}
	if err := h.store.Upsert(c.Request.Context(), r); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to store report"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": r, "score": r.Score()})
}
