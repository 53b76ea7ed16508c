package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/faceerr"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/repository"
	"github.com/example/face-verify/internal/usecase"
)

var kindStatus = map[faceerr.Kind]int{
	faceerr.KindInvalidImage:      http.StatusBadRequest,
	faceerr.KindInvalidEmbedding:  http.StatusBadRequest,
	faceerr.KindNoFaceDetected:    http.StatusUnprocessableEntity,
	faceerr.KindExtractionTimeout: http.StatusGatewayTimeout,
	faceerr.KindExtractionFailure: http.StatusBadGateway,
}

func errorBody(kind, message string) gin.H {
	return gin.H{"error": kind, "message": message}
}

func (h *handler) writeError(c *gin.Context, err error) {
	var fe *faceerr.Error
	switch {
	case errors.As(err, &fe):
		status, ok := kindStatus[fe.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		message := fe.Message
		if message == "" {
			message = fe.Error()
		}
		body := gin.H{
			"error":     string(fe.Kind),
			"message":   message,
			"retryable": fe.Retryable(),
		}
		if fe.Argument != "" {
			body["argument"] = fe.Argument
		}
		if fe.Reason != "" {
			body["reason"] = fe.Reason
		}
		if fe.Retryable() {
			h.logger.Warn("extraction unavailable", zap.Error(err))
		}
		c.JSON(status, body)
	case errors.Is(err, usecase.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, errorBody("RATE_LIMITED", err.Error()))
	case errors.Is(err, usecase.ErrAuditDisabled):
		c.JSON(http.StatusNotImplemented, errorBody("AUDIT_DISABLED", err.Error()))
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody("NOT_FOUND", "result not found"))
	default:
		h.logger.Error("request failed", append(logging.ErrorFields(err), zap.String("path", c.FullPath()))...)
		c.JSON(http.StatusInternalServerError, errorBody("SERVER_ERROR", "internal server error"))
	}
}

func withArgument(err error, argument string) error {
	var fe *faceerr.Error
	if !errors.As(err, &fe) || fe.Argument != "" {
		return err
	}
	cp := *fe
	cp.Argument = argument
	return &cp
}
