package ap

import (
	"html"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/signature"
	"github.com/concrnt/apnode/types"
)

var tracer = otel.Tracer("activitypub")

const maxInboxBody = 1 << 20

type Handler struct {
	service  *Service
	verifier *signature.Verifier
	logger   *zap.Logger
}

func NewHandler(service *Service, verifier *signature.Verifier, logger *zap.Logger) Handler {
	return Handler{service, verifier, logger}
}

// Register mounts the federation routes on e.
func (h Handler) Register(e *echo.Echo) {
	e.GET("/.well-known/host-meta", h.HostMeta)
	e.GET("/.well-known/webfinger", h.WebFinger)
	e.GET("/.well-known/nodeinfo", h.NodeInfoWellKnown)
	e.GET("/nodeinfo/2.0", h.NodeInfo)

	e.GET("/", h.Actor)
	e.POST("/inbox", h.Inbox)
	e.GET("/outbox", h.Outbox)
	e.GET("/followers", h.Followers)
	e.GET("/following", h.Following)
	e.GET("/o/:id", h.Object)
	e.GET("/o/:id/activity", h.Activity)
}

func wantsActivityJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/activity+json") || strings.Contains(accept, "application/ld+json")
}

func activityJSON(c echo.Context, code int, v any) error {
	c.Response().Header().Set("Content-Type", types.ActivityJSON)
	return c.JSON(code, v)
}

func (h Handler) WebFinger(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "WebFinger")
	defer span.End()

	resource := c.QueryParam("resource")
	result, err := h.service.WebFinger(ctx, resource)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrInvalidInput) {
			return c.String(http.StatusBadRequest, "invalid resource")
		}
		return c.String(http.StatusNotFound, "resource not found")
	}

	c.Response().Header().Set("Content-Type", "application/jrd+json")
	return c.JSON(http.StatusOK, result)
}

func (h Handler) NodeInfo(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "NodeInfo")
	defer span.End()

	result, err := h.service.NodeInfo(ctx)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error")
	}

	c.Response().Header().Set("Content-Type", "application/json")
	return c.JSON(http.StatusOK, result)
}

func (h Handler) NodeInfoWellKnown(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "NodeInfoWellKnown")
	defer span.End()

	result, err := h.service.NodeInfoWellKnown(ctx)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error")
	}

	c.Response().Header().Set("Content-Type", "application/json")
	return c.JSON(http.StatusOK, result)
}

func (h Handler) HostMeta(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HostMeta")
	defer span.End()

	return c.Blob(http.StatusOK, "application/xrd+xml", []byte(h.service.HostMeta(ctx)))
}

// --

func (h Handler) Actor(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Actor")
	defer span.End()

	person := h.service.Actor(ctx)
	if !wantsActivityJSON(c.Request()) {
		page := "<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>" + html.EscapeString(person.Name) +
			"</title></head><body><h1>" + html.EscapeString(person.Name) + "</h1><p>" +
			html.EscapeString("@"+person.PreferredUsername+"@"+c.Request().Host) + "</p><div>" +
			person.Summary + "</div></body></html>"
		return c.HTML(http.StatusOK, page)
	}
	return activityJSON(c, http.StatusOK, person)
}

func (h Handler) Object(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Object")
	defer span.End()

	object, err := h.service.Object(ctx, c.Param("id"))
	return h.objectResponse(c, span, object, err)
}

func (h Handler) Activity(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Activity")
	defer span.End()

	activity, err := h.service.Activity(ctx, c.Param("id"))
	return h.objectResponse(c, span, activity, err)
}

func (h Handler) objectResponse(c echo.Context, span trace.Span, object *types.RawApObj, err error) error {
	switch {
	case err == nil:
		return activityJSON(c, http.StatusOK, object.GetData())
	case errors.Is(err, types.ErrObjectIsGone):
		return activityJSON(c, http.StatusGone, object.GetData())
	case errors.Is(err, ErrNotFound):
		return c.String(http.StatusNotFound, "object not found")
	default:
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error")
	}
}

func (h Handler) Outbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Outbox")
	defer span.End()

	result, err := h.service.Outbox(ctx)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error")
	}
	return activityJSON(c, http.StatusOK, result)
}

func (h Handler) Followers(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Followers")
	defer span.End()

	result, err := h.service.Followers(ctx)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error")
	}
	return activityJSON(c, http.StatusOK, result)
}

func (h Handler) Following(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Following")
	defer span.End()

	result, err := h.service.Following(ctx)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error")
	}
	return activityJSON(c, http.StatusOK, result)
}

// Inbox authenticates a delivery and queues it; processing happens in the incoming worker.
func (h Handler) Inbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerAPInbox")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxInboxBody))
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusBadRequest, "Invalid request body")
	}

	raw, err := types.LoadAsRawApObj(body)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusUnprocessableEntity, "Invalid request body")
	}
	span.SetAttributes(attribute.String("type", string(raw.Type())), attribute.String("id", raw.ID()))

	result := h.verifier.Verify(ctx, c.Request(), body)
	if !result.Valid() {
		ok, err := h.service.AdmitUnverified(ctx, result, raw)
		if err != nil {
			span.RecordError(err)
			return c.String(http.StatusInternalServerError, "Internal server error")
		}
		if ok {
			return c.NoContent(http.StatusAccepted)
		}

		h.logger.Info("rejected inbox delivery",
			zap.String("status", result.Status.String()),
			zap.String("key_id", result.KeyID),
			zap.String("type", string(raw.Type())),
		)
		return c.String(result.Status.HTTPStatus(), result.Status.String())
	}

	if err := h.service.Admit(ctx, result.SignerID, raw); err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error")
	}
	return c.NoContent(http.StatusAccepted)
}
