package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/thoraxsense/xray-api/internal/errors"
	"github.com/thoraxsense/xray-api/internal/predict"
)

const DefaultMaxUploadBytes = 10 << 20

// multipartOverhead is the room left above MaxUploadBytes for boundaries and part headers.
const multipartOverhead = 1 << 20

type Options struct {
	MaxUploadBytes             int64
	InferenceTimeout           time.Duration
	DecodeErrorsAsClientErrors bool
}

type Handler struct {
	service *predict.Service
	opts    Options
	logger  *slog.Logger
}

func NewHandler(service *predict.Service, opts Options, logger *slog.Logger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: service,
		opts:    opts,
		logger:  logger,
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	api := r.Group("/api")
	api.POST("/predict", h.Predict)
	api.GET("/recent-scans", h.RecentScans)
}

// Upload is one file from a multipart request. Open is called at most once
// and the returned reader is always closed.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

func uploadFromHeader(fh *multipart.FileHeader) Upload {
	return Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Medical Diagnosis API is running"})
}

func (h *Handler) Health(c *gin.Context) {
	handle := h.service.Handle()
	body := gin.H{
		"status":        "healthy",
		"models_loaded": handle.IsLoaded(),
		"demo_mode":     !handle.IsLoaded(),
		"model_source":  handle.Source(),
	}
	if !handle.IsLoaded() {
		body["reason"] = handle.Reason()
	}
	c.JSON(http.StatusOK, body)
}

// Predict accepts a multipart upload in field "file" (or "image") and
// returns the ranked diagnosis.
func (h *Handler) Predict(c *gin.Context) {
	const op = "handlers.predict"

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes+multipartOverhead)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(c, apperrors.Newf(apperrors.KindValidation, op, "File too large (max %d bytes)", h.opts.MaxUploadBytes))
			return
		}
		fh, err = c.FormFile("image")
	}
	if err != nil {
		h.respondError(c, apperrors.Wrap(apperrors.KindValidation, op,
			"No file uploaded. Use 'file' as the form field name", err))
		return
	}

	ctx := c.Request.Context()
	if h.opts.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.InferenceTimeout)
		defer cancel()
	}

	upload := uploadFromHeader(fh)
	h.logger.Debug("Received file",
		"request_id", RequestIDFrom(c),
		"filename", upload.Filename,
		"content_type", upload.ContentType,
		"size", upload.Size,
	)

	result, err := h.predictUpload(ctx, upload)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.logger.Info("Prediction served",
		"request_id", RequestIDFrom(c),
		"primary_diagnosis", result.PrimaryDiagnosis,
		"confidence", result.Confidence,
		"demo_mode", result.DemoMode,
	)
	c.JSON(http.StatusOK, result)
}

// predictUpload validates the upload before reading it, then runs the pipeline.
func (h *Handler) predictUpload(ctx context.Context, up Upload) (predict.Result, error) {
	const op = "handlers.predict"
	limit := h.opts.MaxUploadBytes

	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(up.ContentType)), "image/") {
		return predict.Result{}, apperrors.New(apperrors.KindValidation, op, "File must be an image")
	}
	if up.Size > limit {
		return predict.Result{}, apperrors.Newf(apperrors.KindValidation, op, "File too large (max %d bytes)", limit)
	}

	rc, err := up.Open()
	if err != nil {
		return predict.Result{}, apperrors.Wrap(apperrors.KindTransport, op, "failed to open uploaded file", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return predict.Result{}, apperrors.Wrap(apperrors.KindTransport, op, "failed to read uploaded file", err)
	}
	if int64(len(data)) > limit {
		return predict.Result{}, apperrors.Newf(apperrors.KindValidation, op, "File too large (max %d bytes)", limit)
	}

	return h.service.Predict(ctx, data)
}

func (h *Handler) statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case apperrors.IsKind(err, apperrors.KindValidation):
		return http.StatusBadRequest
	case apperrors.IsKind(err, apperrors.KindDecode):
		if h.opts.DecodeErrorsAsClientErrors {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// respondError logs err in full and sends the client only {"detail": ...}.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := h.statusFor(err)

	detail := apperrors.Detail(err)
	switch apperrors.KindOf(err) {
	case apperrors.KindDecode, apperrors.KindInference:
		detail = "Prediction error: " + detail
	}

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(c.Request.Context(), level, "Request failed",
		"request_id", RequestIDFrom(c),
		"path", c.Request.URL.Path,
		"status", status,
		"kind", apperrors.KindOf(err),
		"err", err,
	)

	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}
