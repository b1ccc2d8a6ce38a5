package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/quality"
	"github.com/1ureka/rtcall/internal/util"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Calls is the state machine as seen by the control API.
type Calls interface {
	Snapshot() call.Session
	Subscribe() (<-chan call.Session, func())
	Initiate(ctx context.Context, remote call.Participant, chatID string, kind call.Kind) (call.Session, error)
	Accept(ctx context.Context) (call.Session, error)
	Decline(ctx context.Context) error
	End(ctx context.Context, reason call.EndReason) error
	ToggleAudio(on bool) (call.MediaState, error)
	ToggleVideo(on bool) (call.MediaState, error)
}

// QualitySource reports the latest quality sample.
type QualitySource interface {
	Current() quality.Sample
}

// Control serves the local call to a UI.
type Control struct {
	calls   Calls
	quality QualitySource
}

// NewControl creates the handler. q may be nil.
func NewControl(calls Calls, q QualitySource) *Control {
	return &Control{calls: calls, quality: q}
}

// NewControlRouter builds the client's HTTP engine.
func NewControlRouter(h *Control) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().UTC()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.Register(r)
	return r
}

// Register mounts the routes on r.
func (h *Control) Register(r gin.IRouter) {
	g := r.Group("/api/call")
	{
		g.GET("", h.Get)
		g.GET("/events", h.Events)
		g.GET("/quality", h.Quality)
		g.POST("/initiate", h.Initiate)
		g.POST("/accept", h.Accept)
		g.POST("/decline", h.Decline)
		g.POST("/end", h.End)
		g.POST("/audio", h.Audio)
		g.POST("/video", h.Video)
	}
}

// GET /api/call
func (h *Control) Get(c *gin.Context) {
	Success(c, http.StatusOK, h.calls.Snapshot())
}

// CallRequest is the body of POST /api/call/initiate.
type CallRequest struct {
	RemoteID string `json:"remoteId" binding:"required"`
	Username string `json:"username"`
	FullName string `json:"fullName"`
	Avatar   string `json:"avatar"`
	ChatID   string `json:"chatId"`
	CallType string `json:"callType" binding:"required,oneof=voice video"`
}

// POST /api/call/initiate
func (h *Control) Initiate(c *gin.Context) {
	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationError(c, err.Error())
		return
	}
	remote := call.Participant{ID: req.RemoteID, Username: req.Username, FullName: req.FullName, Avatar: req.Avatar}
	s, err := h.calls.Initiate(c.Request.Context(), remote, req.ChatID, call.Kind(req.CallType))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, http.StatusCreated, s)
}

// POST /api/call/accept
func (h *Control) Accept(c *gin.Context) {
	s, err := h.calls.Accept(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, http.StatusOK, s)
}

// POST /api/call/decline
func (h *Control) Decline(c *gin.Context) {
	if err := h.calls.Decline(c.Request.Context()); err != nil {
		Fail(c, err)
		return
	}
	Success(c, http.StatusOK, h.calls.Snapshot())
}

// EndCallRequest is the optional body of POST /api/call/end.
type EndCallRequest struct {
	Reason string `json:"reason" binding:"omitempty,oneof=hangup cancelled"`
}

// POST /api/call/end
func (h *Control) End(c *gin.Context) {
	var req EndCallRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			ValidationError(c, err.Error())
			return
		}
	}
	if err := h.calls.End(c.Request.Context(), call.EndReason(req.Reason)); err != nil {
		Fail(c, err)
		return
	}
	Success(c, http.StatusOK, h.calls.Snapshot())
}

// ToggleRequest is the body of the media toggles.
type ToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// POST /api/call/audio
func (h *Control) Audio(c *gin.Context) { h.toggle(c, h.calls.ToggleAudio) }

// POST /api/call/video
func (h *Control) Video(c *gin.Context) { h.toggle(c, h.calls.ToggleVideo) }

func (h *Control) toggle(c *gin.Context, apply func(bool) (call.MediaState, error)) {
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationError(c, err.Error())
		return
	}
	state, err := apply(*req.Enabled)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, http.StatusOK, state)
}

// QualityResponse is the body of GET /api/call/quality.
type QualityResponse struct {
	CallID string        `json:"callId,omitempty"`
	Level  quality.Level `json:"level"`
	RTTMs  float64       `json:"rttMs"`
	At     time.Time     `json:"at,omitempty"`
}

// GET /api/call/quality
func (h *Control) Quality(c *gin.Context) {
	if h.quality == nil {
		Success(c, http.StatusOK, QualityResponse{Level: quality.LevelUnknown})
		return
	}
	smp := h.quality.Current()
	Success(c, http.StatusOK, QualityResponse{
		CallID: smp.CallID,
		Level:  smp.Level,
		RTTMs:  float64(smp.RTT) / float64(time.Millisecond),
		At:     smp.At,
	})
}

// Events streams every session snapshot over a WebSocket.
// GET /api/call/events
func (h *Control) Events(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	updates, unsubscribe := h.calls.Subscribe()
	defer unsubscribe()

	// The reader only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case s, ok := <-updates:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(s); err != nil {
				util.LogDebug("events: %v", err)
				return
			}
		case <-gone:
			return
		}
	}
}
