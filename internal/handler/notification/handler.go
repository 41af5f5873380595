package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/notify-api/internal/handler"
	"github.com/jwalitptl/notify-api/internal/middleware"
	"github.com/jwalitptl/notify-api/internal/model"
	"github.com/jwalitptl/notify-api/internal/realtime"
	"github.com/jwalitptl/notify-api/internal/service/notification"
	apperrors "github.com/jwalitptl/notify-api/pkg/errors"
)

const streamHeartbeat = 15 * time.Second

// Events forwarded onto the SSE stream.
var streamEvents = []string{
	model.EventNotificationNew,
	model.EventNotificationUpdated,
	model.EventNotificationAdmin,
	model.EventNotificationsSync,
	model.EventNotificationDeleted,
	model.EventNotificationsBulkDeleted,
}

type Handler struct {
	service notification.Service
	hub     *realtime.Hub
}

func NewHandler(service notification.Service, hub *realtime.Hub) *Handler {
	return &Handler{service: service, hub: hub}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup, auth *middleware.AuthMiddleware) {
	n := r.Group("/notifications", auth.Authenticate())
	{
		n.GET("", h.List)
		n.POST("", auth.RequireRoot(), h.Create)
		n.GET("/stream", h.Stream)
		n.POST("/read-all", h.MarkAllRead)
		n.POST("/:id/read", h.MarkRead)
		n.DELETE("/:id", h.Delete)
		n.DELETE("", h.DeleteMany)
	}
}

// List serves the authoritative paginated fetch: the page, its total,
// and the viewer's unread count.
func (h *Handler) List(c *gin.Context) {
	viewer, ok := middleware.ViewerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("unauthorized"))
		return
	}

	opts := model.ListOptions{
		Limit:      intQuery(c, "limit", 0),
		Offset:     intQuery(c, "offset", 0),
		UnreadOnly: c.Query("unread_only") == "true",
	}

	// Root may scope the fetch to any user; everyone else is pinned to
	// themselves inside the service regardless of this parameter.
	if raw := c.Query("user_id"); raw != "" && viewer.ViewAll {
		userID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid user ID"))
			return
		}
		opts.UserID = userID
	}

	page, err := h.service.List(c.Request.Context(), viewer, opts)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

func (h *Handler) Create(c *gin.Context) {
	var req model.CreateNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("user_id is required"))
		return
	}

	created, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, handler.NewSuccessResponse(created))
}

func (h *Handler) MarkRead(c *gin.Context) {
	viewer, ok := middleware.ViewerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("unauthorized"))
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid notification ID"))
		return
	}

	if err := h.service.MarkRead(c.Request.Context(), viewer, id); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}

func (h *Handler) MarkAllRead(c *gin.Context) {
	viewer, ok := middleware.ViewerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("unauthorized"))
		return
	}

	if err := h.service.MarkAllRead(c.Request.Context(), viewer); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}

func (h *Handler) Delete(c *gin.Context) {
	viewer, ok := middleware.ViewerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("unauthorized"))
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid notification ID"))
		return
	}

	if err := h.service.Delete(c.Request.Context(), viewer, id); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}

type deleteManyRequest struct {
	IDs []string `json:"ids" binding:"required,min=1"`
}

func (h *Handler) DeleteMany(c *gin.Context) {
	viewer, ok := middleware.ViewerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("unauthorized"))
		return
	}

	var req deleteManyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, s := range req.IDs {
		id, err := uuid.Parse(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid notification ID: "+s))
			return
		}
		ids = append(ids, id)
	}

	if err := h.service.DeleteMany(c.Request.Context(), viewer, ids); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}

// Stream joins the viewer to its rooms and bridges the session onto an
// SSE response. The session closes when the client disconnects; the
// hub's room subscriptions outlive any single stream.
func (h *Handler) Stream(c *gin.Context) {
	viewer, ok := middleware.ViewerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("unauthorized"))
		return
	}

	session, err := h.hub.Join(c.Request.Context(), viewer)
	if err != nil {
		respondError(c, err)
		return
	}
	defer session.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	type frame struct {
		event string
		data  []byte
	}
	frames := make(chan frame, 64)

	unsubs := make([]func(), 0, len(streamEvents))
	for _, event := range streamEvents {
		event := event
		unsubs = append(unsubs, session.Subscribe(event, func(data json.RawMessage) {
			select {
			case frames <- frame{event: event, data: data}:
			default:
				// Slow consumer; drop rather than block the hub. The
				// client's fallback poll corrects anything missed.
			}
		}))
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case f := <-frames:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data)
			return true
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			return true
		}
	})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.StatusCode(), handler.NewErrorResponse(appErr.Message))
		return
	}
	c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
}
