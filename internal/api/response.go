// Package api holds the HTTP surfaces: the control API a call client exposes
// to its UI and the call-record REST service the relay serves.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/lifecycle"
	"github.com/1ureka/rtcall/internal/session"
	"github.com/1ureka/rtcall/internal/util"
)

// Response is the envelope of every JSON response.
type Response struct {
	Success bool                   `json:"success"`
	Data    interface{}            `json:"data,omitempty"`
	Error   *lifecycle.ErrorDetail `json:"error,omitempty"`
	Meta    Meta                   `json:"meta"`
}

// Meta carries response metadata.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
}

func meta(c *gin.Context) Meta {
	return Meta{Timestamp: time.Now().UTC(), RequestID: c.GetString("request_id")}
}

// Success sends a successful response.
func Success(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{Success: true, Data: data, Meta: meta(c)})
}

// Error sends an error response.
func Error(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Response{
		Success: false,
		Error:   &lifecycle.ErrorDetail{Code: code, Message: message},
		Meta:    meta(c),
	})
}

// ValidationError sends 400.
func ValidationError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, "VALIDATION_ERROR", message)
}

// Fail maps err onto a status code and error code.
func Fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, call.ErrConflict):
		Error(c, http.StatusConflict, "CALL_IN_PROGRESS", err.Error())
	case errors.Is(err, call.ErrStaleState):
		Error(c, http.StatusConflict, "STALE_STATE", err.Error())
	case errors.Is(err, lifecycle.ErrNotFound):
		Error(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, lifecycle.ErrTerminal):
		Error(c, http.StatusGone, "CALL_TERMINAL", err.Error())
	case errors.Is(err, lifecycle.ErrForbidden):
		Error(c, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, call.ErrCapture):
		Error(c, http.StatusUnprocessableEntity, "CAPTURE_FAILED", err.Error())
	case errors.Is(err, call.ErrSignaling), errors.Is(err, call.ErrTransport):
		Error(c, http.StatusBadGateway, "PEER_UNREACHABLE", err.Error())
	case errors.Is(err, session.ErrClosed):
		Error(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error())
	default:
		util.LogError("%s %s: %v", c.Request.Method, c.FullPath(), err)
		Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// RequestLogger tags each request with an id and logs it at debug level.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("request_id", uuid.NewString())
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		if status >= http.StatusInternalServerError {
			util.LogWarning("%s %s -> %d (%v)", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
			return
		}
		util.LogDebug("%s %s -> %d (%v)", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
	}
}

// Authenticate resolves the caller with auth and stores it as "user_id".
func Authenticate(auth func(*http.Request) (string, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := auth(c.Request)
		if err != nil || userID == "" {
			Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "not authenticated")
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}
