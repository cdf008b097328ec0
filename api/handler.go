package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/outbox"
	"github.com/concrnt/apnode/store"
	"github.com/concrnt/apnode/types"
)

var tracer = otel.Tracer("api")

const defaultNotificationLimit = 50

type Handler struct {
	service *Service
	logger  *zap.Logger
}

func NewHandler(service *Service, logger *zap.Logger) Handler {
	return Handler{
		service,
		logger,
	}
}

// Register mounts the API under /api, guarded by a bearer token.
func (h Handler) Register(e *echo.Echo, token string) {
	g := e.Group("/api", middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Validator: func(key string, c echo.Context) (bool, error) {
			return token != "" && subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
	}))

	g.POST("/follow", h.Follow)
	g.POST("/block", h.Block)
	g.POST("/like", h.Like)
	g.POST("/announce", h.Announce)
	g.POST("/undo", h.Undo)
	g.POST("/create", h.Create)
	g.POST("/update", h.Update)
	g.POST("/delete", h.Delete)
	g.POST("/vote", h.Vote)

	g.GET("/object", h.Object)
	g.GET("/replies", h.Replies)
	g.GET("/notifications", h.Notifications)
}

type TargetRequest struct {
	Target string `json:"target"`
}

type ObjectRequest struct {
	ID string `json:"id"`
}

type CreateRequest struct {
	Source            string   `json:"source"`
	Visibility        string   `json:"visibility"`
	InReplyTo         string   `json:"inReplyTo"`
	ContentWarning    string   `json:"contentWarning"`
	Sensitive         bool     `json:"sensitive"`
	Type              string   `json:"type"`
	Name              string   `json:"name"`
	PollOptions       []string `json:"pollOptions"`
	PollMultiple      bool     `json:"pollMultiple"`
	PollEndsInSeconds int      `json:"pollEndsInSeconds"`
}

type VoteRequest struct {
	ID    string   `json:"id"`
	Names []string `json:"names"`
}

type UpdateRequest struct {
	PublicID string `json:"publicId"`
	Source   string `json:"source"`
}

// fail maps service errors onto status codes.
func (h Handler) fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, outbox.ErrNoRecipients),
		errors.Is(err, outbox.ErrInvalidPostType),
		errors.Is(err, outbox.ErrNotUndoable),
		errors.Is(err, outbox.ErrLocalObject),
		errors.Is(err, outbox.ErrNotShareable),
		errors.Is(err, outbox.ErrInvalidVote):
		status = http.StatusBadRequest
	case errors.Is(err, outbox.ErrAlreadyDone), errors.Is(err, outbox.ErrAlreadyUndone), errors.Is(err, outbox.ErrPollClosed):
		status = http.StatusConflict
	case errors.Is(err, types.ErrObjectNotFound), store.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrObjectIsGone):
		status = http.StatusGone
	case errors.Is(err, types.ErrObjectUnavailable), errors.Is(err, types.ErrNotAnActor), errors.Is(err, types.ErrNotAnObject):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("api request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.JSON(status, echo.Map{"status": "error", "message": err.Error()})
}

func ok(c echo.Context, content any) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": content})
}

func (h Handler) Follow(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Follow")
	defer span.End()

	var req TargetRequest
	if err := c.Bind(&req); err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "invalid request body"})
	}

	publicID, err := h.service.Follow(ctx, req.Target)
	if err != nil {
		span.RecordError(err)
		return h.fail(c, err)
	}
	return ok(c, echo.Map{"publicId": publicID})
}

func (h Handler) Block(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Block")
	defer span.End()

	var req TargetRequest
	if err := c.Bind(&req); err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "invalid request body"})
	}

	publicID, err := h.service.Block(ctx, req.Target)
	if err != nil {
		span.RecordError(err)
		return h.fail(c, err)
	}
	return ok(c, echo.Map{"publicId": publicID})
}

// objectAction runs one of the operations that take an object id.
func (h Handler) objectAction(c echo.Context, name string, fn func(ctx context.Context, apID string) (string, error)) error {
	ctx, span := tracer.Start(c.Request().Context(), name)
	defer span.End()

	var req ObjectRequest
	if err := c.Bind(&req); err != nil || req.ID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "invalid request body"})
	}

	publicID, err := fn(ctx, req.ID)
	if err != nil {
		span.RecordError(err)
		return h.fail(c, err)
	}
	return ok(c, echo.Map{"publicId": publicID})
}

func (h Handler) Like(c echo.Context) error {
	return h.objectAction(c, "Like", h.service.Like)
}

func (h Handler) Announce(c echo.Context) error {
	return h.objectAction(c, "Announce", h.service.Announce)
}

func (h Handler) Undo(c echo.Context) error {
	return h.objectAction(c, "Undo", h.service.Undo)
}

func (h Handler) Delete(c echo.Context) error {
	return h.objectAction(c, "Delete", h.service.Delete)
}

func (h Handler) Create(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Create")
	defer span.End()

	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "invalid request body"})
	}

	publicID, err := h.service.Create(ctx, req)
	if err != nil {
		span.RecordError(err)
		return h.fail(c, err)
	}
	return ok(c, echo.Map{"publicId": publicID})
}

func (h Handler) Update(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Update")
	defer span.End()

	var req UpdateRequest
	if err := c.Bind(&req); err != nil || req.PublicID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "invalid request body"})
	}

	if err := h.service.Update(ctx, req.PublicID, req.Source); err != nil {
		span.RecordError(err)
		return h.fail(c, err)
	}
	return ok(c, echo.Map{"publicId": req.PublicID})
}

func (h Handler) Vote(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Vote")
	defer span.End()

	var req VoteRequest
	if err := c.Bind(&req); err != nil || req.ID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "invalid request body"})
	}

	publicIDs, err := h.service.Vote(ctx, req.ID, req.Names)
	if err != nil {
		span.RecordError(err)
		return h.fail(c, err)
	}
	return ok(c, echo.Map{"publicIds": publicIDs})
}

func (h Handler) Object(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Object")
	defer span.End()

	id := c.QueryParam("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "missing id"})
	}
	fetch, _ := strconv.ParseBool(c.QueryParam("fetch"))

	view, err := h.service.Object(ctx, id, fetch)
	if err != nil {
		span.RecordError(err)
		return h.fail(c, err)
	}
	return ok(c, view)
}

func (h Handler) Replies(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Replies")
	defer span.End()

	id := c.QueryParam("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "missing id"})
	}

	tree, err := h.service.Replies(ctx, id)
	if err != nil {
		span.RecordError(err)
		return h.fail(c, err)
	}
	return ok(c, tree)
}

func (h Handler) Notifications(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Notifications")
	defer span.End()

	limit := defaultNotificationLimit
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	markRead, _ := strconv.ParseBool(c.QueryParam("markRead"))

	notifications, err := h.service.Notifications(ctx, limit, markRead)
	if err != nil {
		span.RecordError(err)
		return h.fail(c, err)
	}
	return ok(c, notifications)
}
