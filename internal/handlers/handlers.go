package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/auth"
	"github.com/example/face-verify/internal/faceerr"
	"github.com/example/face-verify/internal/imagecodec"
	"github.com/example/face-verify/internal/matcher"
	"github.com/example/face-verify/internal/repository"
	"github.com/example/face-verify/internal/usecase"
)

// MaxUploadSize is the default per-image upload limit in bytes.
const MaxUploadSize = 10 << 20

// FaceService is the use case surface the handlers depend on.
type FaceService interface {
	Health() usecase.HealthStatus
	Extract(ctx context.Context, callerID string, image []byte) (*usecase.ExtractResponse, error)
	Compare(ctx context.Context, callerID string, embedding1, embedding2 []float64) (string, matcher.Result, error)
	Verify(ctx context.Context, callerID string, image1, image2 []byte) (*usecase.VerifyResponse, error)
	GetResult(ctx context.Context, callerID, requestID string) (*repository.ComparisonLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Options tunes request handling.
type Options struct {
	MaxUploadBytes int64
	// CORSOrigins enables CORS for the listed origins; "*" allows any. Empty disables it.
	CORSOrigins []string
	Logger      *zap.Logger
}

type handler struct {
	uc        FaceService
	maxUpload int64
	logger    *zap.Logger
}

type extractRequest struct {
	Image string `json:"image"`
}

type compareRequest struct {
	Embedding1 []float64 `json:"embedding1"`
	Embedding2 []float64 `json:"embedding2"`
}

type verifyRequest struct {
	Image1 string `json:"image1"`
	Image2 string `json:"image2"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc FaceService, authMiddleware gin.HandlerFunc, opts Options) {
	h := &handler{uc: uc, maxUpload: opts.MaxUploadBytes, logger: opts.Logger}
	if h.maxUpload <= 0 {
		h.maxUpload = MaxUploadSize
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}

	if len(opts.CORSOrigins) > 0 {
		router.Use(corsMiddleware(opts.CORSOrigins))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, uc.Health())
	})

	protected := router.Group("/")
	protected.Use(authMiddleware)
	protected.POST("/extract", h.extract)
	protected.POST("/compare", h.compare)
	protected.POST("/verify", h.verify)
	protected.GET("/comparisons/:id", h.getResult)
	protected.GET("/metrics", h.metrics)
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}
	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			cfg.AllowOrigins = nil
			break
		}
		cfg.AllowOrigins = append(cfg.AllowOrigins, origin)
	}
	return cors.New(cfg)
}

func (h *handler) extract(c *gin.Context) {
	images, ok := h.readImages(c, "image")
	if !ok {
		return
	}

	resp, err := h.uc.Extract(c.Request.Context(), callerID(c), images[0])
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) compare(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	var req compareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if tooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, errorBody("PAYLOAD_TOO_LARGE", "request body too large"))
			return
		}
		h.writeError(c, faceerr.InvalidEmbedding("", faceerr.ReasonMalformed, "request body must be JSON with numeric embedding1 and embedding2 arrays"))
		return
	}
	if req.Embedding1 == nil {
		h.writeError(c, faceerr.InvalidEmbedding("embedding1", faceerr.ReasonMissing, "embedding1 is required"))
		return
	}
	if req.Embedding2 == nil {
		h.writeError(c, faceerr.InvalidEmbedding("embedding2", faceerr.ReasonMissing, "embedding2 is required"))
		return
	}

	requestID, result, err := h.uc.Compare(c.Request.Context(), callerID(c), req.Embedding1, req.Embedding2)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("X-Request-ID", requestID)
	c.JSON(http.StatusOK, result)
}

func (h *handler) verify(c *gin.Context) {
	images, ok := h.readImages(c, "image1", "image2")
	if !ok {
		return
	}

	resp, err := h.uc.Verify(c.Request.Context(), callerID(c), images[0], images[1])
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("X-Request-ID", resp.RequestID)
	c.JSON(http.StatusOK, resp)
}

func (h *handler) getResult(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, errorBody("BAD_REQUEST", "id is required"))
		return
	}

	log, err := h.uc.GetResult(c.Request.Context(), callerID(c), requestID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": log.RequestID,
		"operation":  log.Operation,
		"similarity": log.Similarity,
		"distance":   log.Distance,
		"is_match":   log.IsMatch,
		"threshold":  log.Threshold,
		"model":      log.Model,
		"latency_ms": log.LatencyMs,
		"created_at": log.CreatedAt,
	})
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.uc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// readImages pulls the named images from a JSON body of base64 strings or
// from multipart file fields. It writes the error response itself.
func (h *handler) readImages(c *gin.Context, fields ...string) ([][]byte, bool) {
	// base64 inflates payloads by 4/3; leave room for JSON framing too.
	limit := int64(len(fields))*(h.maxUpload*4/3+4096) + 1<<16
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		return h.readMultipart(c, fields)
	}
	return h.readJSON(c, fields)
}

func (h *handler) readJSON(c *gin.Context, fields []string) ([][]byte, bool) {
	encoded := make([]string, len(fields))
	if len(fields) == 1 {
		var req extractRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badImageRequest(c, err)
			return nil, false
		}
		encoded[0] = req.Image
	} else {
		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badImageRequest(c, err)
			return nil, false
		}
		encoded[0], encoded[1] = req.Image1, req.Image2
	}

	out := make([][]byte, len(fields))
	for i, s := range encoded {
		if s == "" {
			h.writeError(c, &faceerr.Error{Kind: faceerr.KindInvalidImage, Argument: fields[i], Message: "no image provided. Send JSON {" + fields[i] + ": base64} or a multipart form"})
			return nil, false
		}
		raw, err := imagecodec.DecodeBase64(s)
		if err != nil {
			h.writeError(c, withArgument(err, fields[i]))
			return nil, false
		}
		if int64(len(raw)) > h.maxUpload {
			c.JSON(http.StatusRequestEntityTooLarge, errorBody("PAYLOAD_TOO_LARGE", fields[i]+" exceeds the upload limit"))
			return nil, false
		}
		out[i] = raw
	}
	return out, true
}

func (h *handler) readMultipart(c *gin.Context, fields []string) ([][]byte, bool) {
	out := make([][]byte, len(fields))
	for i, field := range fields {
		file, err := c.FormFile(field)
		if err != nil {
			if tooLarge(err) {
				c.JSON(http.StatusRequestEntityTooLarge, errorBody("PAYLOAD_TOO_LARGE", "request body too large"))
				return nil, false
			}
			h.writeError(c, &faceerr.Error{Kind: faceerr.KindInvalidImage, Argument: field, Message: field + " file is required"})
			return nil, false
		}
		if file.Size > h.maxUpload {
			c.JSON(http.StatusRequestEntityTooLarge, errorBody("PAYLOAD_TOO_LARGE", field+" exceeds the upload limit"))
			return nil, false
		}
		if !acceptedContentType(file.Header.Get("Content-Type")) {
			c.JSON(http.StatusUnsupportedMediaType, errorBody("UNSUPPORTED_MEDIA_TYPE", field+" must be an image"))
			return nil, false
		}
		data, err := readFile(file)
		if err != nil {
			h.logger.Error("failed to read upload", zap.Error(err), zap.String("field", field))
			c.JSON(http.StatusInternalServerError, errorBody("SERVER_ERROR", "failed to read image"))
			return nil, false
		}
		out[i] = data
	}
	return out, true
}

func (h *handler) badImageRequest(c *gin.Context, err error) {
	if tooLarge(err) {
		c.JSON(http.StatusRequestEntityTooLarge, errorBody("PAYLOAD_TOO_LARGE", "request body too large"))
		return
	}
	h.writeError(c, faceerr.New(faceerr.KindInvalidImage, "request body must be JSON with base64 image fields or a multipart form"))
}

func readFile(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

func acceptedContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	return ct == "" || strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "application/octet-stream")
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || errors.Is(err, multipart.ErrMessageTooLarge)
}

func callerID(c *gin.Context) string {
	if id, ok := auth.CallerID(c.Request.Context()); ok {
		return id
	}
	return auth.Anonymous
}
