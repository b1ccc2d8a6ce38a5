package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/rtcall/internal/call"
	"github.com/1ureka/rtcall/internal/lifecycle"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/util"
)

// Notifier pushes record status changes to the other participant.
type Notifier interface {
	Push(from, to string, ev protocol.Event) error
}

// Records serves the call-record REST service over an in-memory store.
type Records struct {
	store  *lifecycle.Store
	issuer *lifecycle.Issuer
	notify Notifier
}

// NewRecords creates the handler. notify may be nil.
func NewRecords(store *lifecycle.Store, issuer *lifecycle.Issuer, notify Notifier) *Records {
	return &Records{store: store, issuer: issuer, notify: notify}
}

// NewRelayRouter builds the relay's HTTP engine: the REST service plus the
// signaling relay at /ws.
func NewRelayRouter(h *Records, relay http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().UTC()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", gin.WrapH(relay))
	h.Register(r)
	return r
}

// Register mounts the routes on r.
func (h *Records) Register(r gin.IRouter) {
	r.POST("/api/tokens", h.IssueToken)

	calls := r.Group("/api/calls")
	calls.Use(Authenticate(h.issuer.Authenticate))
	{
		calls.POST("", h.Initiate)
		calls.GET("/active", h.Active)
		calls.POST("/:id/accept", h.Accept)
		calls.POST("/:id/decline", h.Decline)
		calls.POST("/:id/end", h.End)
		calls.PUT("/:id/status", h.UpdateStatus)
		calls.POST("/:id/room-token", h.RoomToken)
	}
}

// IssueTokenRequest asks for a user token.
type IssueTokenRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Username string `json:"username"`
}

// IssueToken hands out user tokens. Development relays have no account
// system; whoever asks for a user id gets it.
// POST /api/tokens
func (h *Records) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationError(c, err.Error())
		return
	}
	token, err := h.issuer.IssueUser(req.UserID, req.Username)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, http.StatusCreated, gin.H{"token": token, "userId": req.UserID})
}

// InitiateRequest is the body of POST /api/calls.
type InitiateRequest struct {
	ReceiverID string `json:"receiverId" binding:"required"`
	ChatID     string `json:"chatId"`
	CallType   string `json:"callType" binding:"required,oneof=voice video"`
}

// Initiate creates a ringing record with the caller as initiator.
// POST /api/calls
func (h *Records) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationError(c, err.Error())
		return
	}
	userID := c.GetString("user_id")
	if req.ReceiverID == userID {
		ValidationError(c, "cannot call yourself")
		return
	}
	rec, err := h.store.Initiate(userID, lifecycle.InitiateRequest{
		ReceiverID: req.ReceiverID,
		ChatID:     req.ChatID,
		CallType:   call.Kind(req.CallType),
	})
	if err != nil {
		Fail(c, err)
		return
	}
	util.Call(rec.ID).Info("%s -> %s (%s)", rec.CallerID, rec.ReceiverID, rec.CallType)
	Success(c, http.StatusCreated, rec)
}

// Active returns the caller's live record, or no data.
// GET /api/calls/active
func (h *Records) Active(c *gin.Context) {
	rec, err := h.store.Active(c.GetString("user_id"))
	if err != nil {
		Fail(c, err)
		return
	}
	if rec == nil {
		Success(c, http.StatusOK, nil)
		return
	}
	Success(c, http.StatusOK, rec)
}

// POST /api/calls/:id/accept
func (h *Records) Accept(c *gin.Context) {
	callID := c.Param("id")
	if err := h.store.Accept(c.GetString("user_id"), callID); err != nil {
		Fail(c, err)
		return
	}
	Success(c, http.StatusOK, gin.H{"callId": callID, "status": lifecycle.RecordAccepted})
}

// POST /api/calls/:id/decline
func (h *Records) Decline(c *gin.Context) {
	userID, callID := c.GetString("user_id"), c.Param("id")
	if err := h.store.Decline(userID, callID); err != nil {
		Fail(c, err)
		return
	}
	h.pushStatus(userID, callID, lifecycle.RecordDeclined)
	Success(c, http.StatusOK, gin.H{"callId": callID, "status": lifecycle.RecordDeclined})
}

// EndRequest is the body of POST /api/calls/:id/end.
type EndRequest struct {
	EndReason string `json:"endReason"`
}

// POST /api/calls/:id/end
func (h *Records) End(c *gin.Context) {
	var req EndRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			ValidationError(c, err.Error())
			return
		}
	}
	userID, callID := c.GetString("user_id"), c.Param("id")
	if err := h.store.End(userID, callID, call.EndReason(req.EndReason)); err != nil {
		Fail(c, err)
		return
	}
	rec, _ := h.store.Get(callID)
	h.pushStatus(userID, callID, rec.Status)
	Success(c, http.StatusOK, gin.H{"callId": callID, "status": rec.Status})
}

// StatusRequest is the body of PUT /api/calls/:id/status.
type StatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// PUT /api/calls/:id/status
func (h *Records) UpdateStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationError(c, err.Error())
		return
	}
	userID, callID := c.GetString("user_id"), c.Param("id")
	if err := h.store.UpdateStatus(userID, callID, req.Status); err != nil {
		Fail(c, err)
		return
	}
	h.pushStatus(userID, callID, req.Status)
	Success(c, http.StatusOK, gin.H{"callId": callID, "status": req.Status})
}

// RoomTokenRequest is the body of POST /api/calls/:id/room-token.
type RoomTokenRequest struct {
	Role string `json:"role" binding:"required,oneof=initiator receiver"`
}

// POST /api/calls/:id/room-token
func (h *Records) RoomToken(c *gin.Context) {
	var req RoomTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationError(c, err.Error())
		return
	}
	tok, err := h.store.RoomToken(c.GetString("user_id"), c.Param("id"), call.Role(req.Role))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, http.StatusOK, tok)
}

// pushStatus tells the other participant about a status change. Delivery is
// best effort: the participant's own client also signals the change.
func (h *Records) pushStatus(userID, callID, status string) {
	if h.notify == nil {
		return
	}
	rec, ok := h.store.Get(callID)
	if !ok {
		return
	}
	other := rec.CallerID
	if other == userID {
		other = rec.ReceiverID
	}
	if err := h.notify.Push(userID, other, protocol.CallStatusUpdate{CallID: callID, Status: status}); err != nil {
		util.Call(callID).Debug("status push to %s: %v", other, err)
	}
}
