package model

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudguard/internal/features"
)

// MaxTrainingSamples bounds the size of one training request.
const MaxTrainingSamples = 100_000

// Handler provides HTTP endpoints for model inspection and training.
type Handler struct {
	model   *Model
	trainer *Trainer
}

// NewHandler creates a new model handler.
func NewHandler(m *Model, t *Trainer) *Handler {
	return &Handler{model: m, trainer: t}
}

// RegisterRoutes sets up model routes. Training mutates the model shared by
// every account, so those routes take the admin guard.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, admin gin.HandlerFunc) {
	r.GET("/model", h.GetModel)
	r.POST("/model/train", admin, h.StartTraining)
	r.GET("/model/train", admin, h.ListJobs)
	r.GET("/model/train/:id", admin, h.GetJob)
	r.POST("/model/train/:id/promote", admin, h.PromoteJob)
}

// GetModel returns the published weight set.
func (h *Handler) GetModel(c *gin.Context) {
	ws := h.model.Current()
	if ws == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model_unavailable", "message": "no model loaded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": ws, "features": features.Names})
}

// SampleInput is one labelled example in a training request.
type SampleInput struct {
	Features map[string]float64 `json:"features"`
	Fraud    bool               `json:"fraud"`
}

// SyntheticInput asks the trainer to generate samples.
type SyntheticInput struct {
	Count     int     `json:"count"`
	FraudRate float64 `json:"fraud_rate"`
	Seed      uint64  `json:"seed"`
}

// TrainRequest is the body for POST /v1/model/train.
type TrainRequest struct {
	Samples      []SampleInput   `json:"samples"`
	Synthetic    *SyntheticInput `json:"synthetic"`
	Version      string          `json:"version"`
	Epochs       int             `json:"epochs"`
	LearningRate float64         `json:"learning_rate"`
	L2           float64         `json:"l2"`
	HoldoutEvery int             `json:"holdout_every"`
	Promote      bool            `json:"promote"`
}

// StartTraining launches an asynchronous training job.
func (h *Handler) StartTraining(c *gin.Context) {
	var req TrainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid JSON body"})
		return
	}

	samples := make([]Sample, 0, len(req.Samples))
	for _, s := range req.Samples {
		samples = append(samples, Sample{Features: features.FromMap(s.Features), Fraud: s.Fraud})
	}
	if syn := req.Synthetic; syn != nil {
		if syn.Count <= 0 || syn.Count > MaxTrainingSamples {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "synthetic.count must be between 1 and 100000"})
			return
		}
		rate := syn.FraudRate
		if rate <= 0 || rate >= 1 {
			rate = 0.1
		}
		samples = append(samples, SyntheticSamples(syn.Count, rate, syn.Seed)...)
	}
	if len(samples) > MaxTrainingSamples {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "too many samples"})
		return
	}

	id, err := h.trainer.Start(samples, TrainOptions{
		Version:      req.Version,
		Epochs:       req.Epochs,
		LearningRate: req.LearningRate,
		L2:           req.L2,
		HoldoutEvery: req.HoldoutEvery,
		Promote:      req.Promote,
	})
	if errors.Is(err, ErrNoSamples) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to start training"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": id, "status": JobRunning})
}

// ListJobs returns retained training jobs.
func (h *Handler) ListJobs(c *gin.Context) {
	jobs := h.trainer.Jobs()
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// GetJob returns a training job.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.trainer.Job(c.Param("id"))
	if errors.Is(err, ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "training job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// PromoteJob publishes the weights of a finished job.
func (h *Handler) PromoteJob(c *gin.Context) {
	err := h.trainer.Promote(c.Param("id"))
	switch {
	case errors.Is(err, ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "training job not found"})
	case err != nil:
		c.JSON(http.StatusConflict, gin.H{"error": "not_promotable", "message": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"version": h.model.Version()})
	}
}
