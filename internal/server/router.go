package server

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cvpilot-ai/backend/internal/auth"
	"github.com/cvpilot-ai/backend/internal/cvs"
	"github.com/cvpilot-ai/backend/internal/pipeline"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "cvpilot_user_id"
	docxContentType  = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

var (
	errMissingValidator       = errors.New("session validator dependency required")
	errMissingIdentityService = errors.New("identity service dependency required")
	errMissingCVStore         = errors.New("cv store dependency required")
	errMissingPipeline        = errors.New("pipeline service dependency required")
)

// SessionAuthenticator validates incoming bearer credentials.
type SessionAuthenticator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver maps session claims to a canonical user id.
type IdentityResolver interface {
	ResolveCanonicalUserID(claims auth.SessionClaims) (string, error)
}

// Dependencies wires the HTTP layer to its collaborators.
type Dependencies struct {
	Validator  SessionAuthenticator
	Identities IdentityResolver
	CVStore    *cvs.Store
	Pipeline   *pipeline.Service
	Dispatcher *ProgressDispatcher
	Logger     *zap.Logger
}

// NewHTTPHandler builds the full API surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Identities == nil {
		return nil, errMissingIdentityService
	}
	if deps.CVStore == nil {
		return nil, errMissingCVStore
	}
	if deps.Pipeline == nil {
		return nil, errMissingPipeline
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		validator:  deps.Validator,
		identities: deps.Identities,
		cvStore:    deps.CVStore,
		pipeline:   deps.Pipeline,
		dispatcher: deps.Dispatcher,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.POST("/cvs", handler.handleCreateCV)
	protected.GET("/cvs", handler.handleListCVs)
	protected.POST("/cvs/optimize", handler.handleOptimize)
	protected.GET("/cvs/optimize/status", handler.handleOptimizeStatus)
	protected.GET("/cvs/optimize/partial", handler.handleOptimizePartial)
	protected.GET("/cvs/optimize/events", handler.handleOptimizeEvents)
	protected.GET("/cvs/:id/download", handler.handleDownload)
	protected.POST("/cvs/:id/preview", handler.handlePreview)

	return router, nil
}

type httpHandler struct {
	validator  SessionAuthenticator
	identities IdentityResolver
	cvStore    *cvs.Store
	pipeline   *pipeline.Service
	dispatcher *ProgressDispatcher
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active_jobs": h.pipeline.ActiveJobs()})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.identities.ResolveCanonicalUserID(claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) currentUser(c *gin.Context) (cvs.UserID, bool) {
	owner, err := cvs.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return owner, true
}

type createCVPayload struct {
	FileName string `json:"file_name"`
	RawText  string `json:"raw_text"`
}

type cvPayload struct {
	ID               uint   `json:"id"`
	FileName         string `json:"file_name"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func (h *httpHandler) handleCreateCV(c *gin.Context) {
	owner, ok := h.currentUser(c)
	if !ok {
		return
	}

	var request createCVPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.cvStore.Create(c.Request.Context(), owner, request.FileName, request.RawText)
	if err != nil {
		h.writeDomainError(c, err, "cv create failed")
		return
	}
	c.JSON(http.StatusCreated, cvPayload{
		ID:               record.ID,
		FileName:         record.FileName,
		CreatedAtSeconds: record.CreatedAtSeconds,
	})
}

func (h *httpHandler) handleListCVs(c *gin.Context) {
	owner, ok := h.currentUser(c)
	if !ok {
		return
	}

	records, err := h.cvStore.List(c.Request.Context(), owner)
	if err != nil {
		h.writeDomainError(c, err, "cv list failed")
		return
	}
	payload := make([]cvPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, cvPayload{
			ID:               record.ID,
			FileName:         record.FileName,
			CreatedAtSeconds: record.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"cvs": payload})
}

type optimizePayload struct {
	CVID           uint   `json:"cv_id"`
	FileName       string `json:"file_name"`
	JobDescription string `json:"job_description"`
	Force          bool   `json:"force"`
}

func (h *httpHandler) handleOptimize(c *gin.Context) {
	owner, ok := h.currentUser(c)
	if !ok {
		return
	}

	var request optimizePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.pipeline.Launch(c.Request.Context(), owner, pipeline.LaunchRequest{
		CV:             pipeline.CVRef{ID: request.CVID, FileName: request.FileName},
		JobDescription: request.JobDescription,
		Force:          request.Force,
	})
	if err != nil {
		h.writeDomainError(c, err, "optimize launch failed")
		return
	}

	status := http.StatusAccepted
	if outcome.Reused {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"job_id":   outcome.Job.JobID,
		"cv_id":    outcome.Job.CVID,
		"state":    outcome.Job.State,
		"progress": outcome.Job.Progress,
		"attached": outcome.Attached,
		"reused":   outcome.Reused,
	})
}

func (h *httpHandler) handleOptimizeStatus(c *gin.Context) {
	owner, ok := h.currentUser(c)
	if !ok {
		return
	}
	ref, jobDescription, ok := h.queryRef(c)
	if !ok {
		return
	}

	view, err := h.pipeline.Status(c.Request.Context(), owner, ref, jobDescription)
	if err != nil {
		h.writeDomainError(c, err, "status poll failed")
		return
	}
	c.JSON(http.StatusOK, statusPayload(view))
}

func statusPayload(view pipeline.StatusView) gin.H {
	switch view.Kind {
	case pipeline.StatusComplete:
		payload := gin.H{
			"status":              string(view.Kind),
			"progress":            view.Progress,
			"ats_score":           view.AtsScore,
			"improved_ats_score":  view.ImprovedAtsScore,
			"improvements":        view.Improvements,
			"completed_at_s":      view.CompletedAtSeconds,
			"artifact_available":  view.ArtifactAvailable,
			"preview_unavailable": view.PreviewUnavailable,
		}
		if view.Comparison != nil {
			payload["comparison"] = gin.H{
				"original_score":      view.Comparison.Original,
				"improved_score":      view.Comparison.Improved,
				"delta":               view.Comparison.Delta,
				"verdict":             string(view.Comparison.Verdict),
				"recommended_actions": view.Comparison.RecommendedActions,
			}
		}
		return payload
	case pipeline.StatusFailed:
		return gin.H{
			"status":        string(view.Kind),
			"error_kind":    view.ErrorKind,
			"error_message": view.ErrorMessage,
			"failed_at_s":   view.FailedAtSeconds,
		}
	case pipeline.StatusInProgress:
		return gin.H{
			"status":   string(view.Kind),
			"progress": view.Progress,
			"stage":    view.StageLabel,
		}
	default:
		return gin.H{
			"status":  string(view.Kind),
			"message": view.Message,
		}
	}
}

func (h *httpHandler) handleOptimizePartial(c *gin.Context) {
	owner, ok := h.currentUser(c)
	if !ok {
		return
	}
	ref, jobDescription, ok := h.queryRef(c)
	if !ok {
		return
	}

	result, err := h.pipeline.PartialResults(c.Request.Context(), owner, ref, jobDescription)
	if err != nil {
		h.writeDomainError(c, err, "partial poll failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"progress":     result.Progress,
		"state":        result.State,
		"stage":        result.StageLabel,
		"partial_text": result.PartialText,
		"has_partial":  result.HasPartial,
	})
}

func (h *httpHandler) handleDownload(c *gin.Context) {
	owner, ok := h.currentUser(c)
	if !ok {
		return
	}
	cvID, ok := h.pathCVID(c)
	if !ok {
		return
	}

	download, err := h.pipeline.Artifact(c.Request.Context(), owner, pipeline.CVRef{ID: cvID})
	if err != nil {
		h.writeDomainError(c, err, "artifact download failed")
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+download.FileName+`"`)
	c.Data(http.StatusOK, docxContentType, download.Data)
}

func (h *httpHandler) handlePreview(c *gin.Context) {
	owner, ok := h.currentUser(c)
	if !ok {
		return
	}
	cvID, ok := h.pathCVID(c)
	if !ok {
		return
	}

	preview, err := h.pipeline.Preview(c.Request.Context(), owner, pipeline.CVRef{ID: cvID})
	if err != nil {
		h.writeDomainError(c, err, "preview failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"estimated":           true,
		"ats_score":           preview.Estimate.OriginalScore,
		"improved_ats_score":  preview.Estimate.ImprovedScore,
		"preview_html":        preview.PreviewHTML,
		"preview_unavailable": preview.PreviewUnavailable,
		"docx_b64":            base64.StdEncoding.EncodeToString(preview.Docx),
	})
}

// handleOptimizeEvents streams job progress as server-sent events. The
// stream is supplementary; polling remains the canonical interface.
func (h *httpHandler) handleOptimizeEvents(c *gin.Context) {
	owner, ok := h.currentUser(c)
	if !ok {
		return
	}

	stream, cleanup := h.dispatcherStream(c, owner.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(progressEventName, message)
			return true
		case <-heartbeat.C:
			c.SSEvent(heartbeatEventName, gin.H{"timestamp": time.Now().UTC()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) dispatcherStream(c *gin.Context, userID string) (<-chan ProgressMessage, func()) {
	if h.dispatcher == nil {
		ch := make(chan ProgressMessage)
		close(ch)
		return ch, func() {}
	}
	return h.dispatcher.Subscribe(c.Request.Context(), userID)
}

func (h *httpHandler) queryRef(c *gin.Context) (pipeline.CVRef, string, bool) {
	ref := pipeline.CVRef{FileName: strings.TrimSpace(c.Query("file_name"))}
	if raw := strings.TrimSpace(c.Query("cv_id")); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cv_id"})
			return pipeline.CVRef{}, "", false
		}
		ref.ID = uint(id)
	}
	return ref, c.Query("job_description"), true
}

func (h *httpHandler) pathCVID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cv_id"})
		return 0, false
	}
	return uint(id), true
}

// writeDomainError maps domain failures onto HTTP responses. Ownership
// violations surface as not-found so record ids do not leak across users.
func (h *httpHandler) writeDomainError(c *gin.Context, err error, logMessage string) {
	switch {
	case errors.Is(err, cvs.ErrNotFound), errors.Is(err, cvs.ErrNotOwned):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, pipeline.ErrNoArtifact):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_artifact"})
	case errors.Is(err, pipeline.ErrMissingCVReference),
		errors.Is(err, cvs.ErrInvalidFileName),
		errors.Is(err, cvs.ErrEmptyRawText),
		errors.Is(err, cvs.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error(logMessage, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
