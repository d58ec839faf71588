package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"mailtriage/contracts"
	"mailtriage/internal/model"
	"mailtriage/internal/repository"
	"mailtriage/internal/service/auth"
	"mailtriage/pkg/mq"
	"mailtriage/pkg/trace"
)

type Handler struct {
	authService *auth.Service
	runRepo     *repository.RunRepository
	publisher   *mq.Publisher
	logger      *zap.Logger
}

func NewHandler(authService *auth.Service, runRepo *repository.RunRepository, publisher *mq.Publisher, logger *zap.Logger) *Handler {
	return &Handler{
		authService: authService,
		runRepo:     runRepo,
		publisher:   publisher,
		logger:      logger,
	}
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	u, err := h.authService.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": u.ID, "email": u.Email})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.authService.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

type ingestRequest struct {
	MessageID   string              `json:"message_id" binding:"required"`
	Sender      string              `json:"sender" binding:"required"`
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	Headers     map[string][]string `json:"headers"`
	Attachments []model.Attachment  `json:"attachments"`
	ReceivedAt  time.Time           `json:"received_at"`
}

// IngestEmail accepts a raw email and publishes it for asynchronous processing.
func (h *Handler) IngestEmail(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	env := model.Envelope{
		MessageID:   req.MessageID,
		Sender:      req.Sender,
		Subject:     req.Subject,
		Body:        req.Body,
		Headers:     req.Headers,
		Attachments: req.Attachments,
		ReceivedAt:  req.ReceivedAt,
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now()
	}
	if err := env.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cid := trace.FromContext(c.Request.Context())
	payload := contracts.EmailReceivedEvent{
		CorrelationID: cid,
		Envelope:      env,
	}
	if err := h.publisher.Publish(contracts.RoutingKeyEmailReceived, payload); err != nil {
		h.logger.Error("failed to publish email.received",
			zap.String("message_id", env.MessageID),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to enqueue email"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"correlation_id": cid,
		"message_id":     env.MessageID,
	})
}

// GetRun returns a finalized pipeline run with its gate trail.
func (h *Handler) GetRun(c *gin.Context) {
	id := c.Param("id")

	run, err := h.runRepo.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		h.logger.Error("failed to load run", zap.String("correlation_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return
	}

	c.JSON(http.StatusOK, run)
}

func (h *Handler) Health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if !h.publisher.IsConnected() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status})
}
