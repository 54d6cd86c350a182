package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lengolf/inbox/internal/attachment"
	"github.com/lengolf/inbox/internal/auth"
	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/identity"
	"github.com/lengolf/inbox/internal/inbox"
)

const attachmentAttempts = 3

// InboxHandler serves the staff inbox API.
type InboxHandler struct {
	service     *inbox.Service
	resolver    *identity.Resolver
	attachments *attachment.Cache
	registry    *channel.Registry
	logger      *slog.Logger
}

// NewInboxHandler creates an InboxHandler. attachments may be nil, in which
// case the attachment proxy always serves the placeholder.
func NewInboxHandler(log *slog.Logger, service *inbox.Service, resolver *identity.Resolver, attachments *attachment.Cache, registry *channel.Registry) *InboxHandler {
	if log == nil {
		log = slog.Default()
	}
	return &InboxHandler{
		service:     service,
		resolver:    resolver,
		attachments: attachments,
		registry:    registry,
		logger:      log.With(slog.String("handler", "inbox")),
	}
}

func (h *InboxHandler) Register(e *echo.Echo) {
	g := e.Group("/api/inbox")
	g.GET("/conversations", h.ListConversations)
	g.GET("/conversations/:id", h.GetConversation)
	g.GET("/conversations/:id/messages", h.ListMessages)
	g.POST("/conversations/:id/messages", h.SendMessage)
	g.GET("/conversations/:id/customer", h.GetCustomer)
	g.POST("/conversations/:id/read", h.MarkRead)
	g.PUT("/conversations/:id/assignee", h.Assign)
	g.PUT("/conversations/:id/active", h.SetActive)
	g.PUT("/channel-users/:channel/:user_id/customer", h.LinkCustomer)
	g.DELETE("/channel-users/:channel/:user_id/customer", h.UnlinkCustomer)
	g.GET("/delta", h.Delta)
	g.GET("/attachments", h.Attachment)
}

type listConversationsResponse struct {
	Items []inbox.Conversation `json:"items"`
}

func (h *InboxHandler) ListConversations(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return err
	}
	filter := inbox.ConversationFilter{
		AssignedTo: c.QueryParam("assigned_to"),
		Limit:      limit,
		Offset:     offset,
	}
	if raw := c.QueryParam("channel"); raw != "" {
		ct, err := h.parseChannel(raw)
		if err != nil {
			return err
		}
		filter.Channel = ct
	}
	filter.UnreadOnly, err = queryBool(c, "unread")
	if err != nil {
		return err
	}
	filter.IncludeInactive, err = queryBool(c, "include_inactive")
	if err != nil {
		return err
	}
	items, err := h.service.ListConversations(c.Request().Context(), filter)
	if err != nil {
		return h.fail(c, err)
	}
	if items == nil {
		items = []inbox.Conversation{}
	}
	return c.JSON(http.StatusOK, listConversationsResponse{Items: items})
}

func (h *InboxHandler) GetConversation(c echo.Context) error {
	conv, err := h.service.Conversation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, conv)
}

type listMessagesResponse struct {
	Items []inbox.Message `json:"items"`
}

func (h *InboxHandler) ListMessages(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	before, err := queryTime(c, "before")
	if err != nil {
		return err
	}
	items, err := h.service.Messages(c.Request().Context(), c.Param("id"), inbox.MessagePage{Before: before, Limit: limit})
	if err != nil {
		return h.fail(c, err)
	}
	if items == nil {
		items = []inbox.Message{}
	}
	return c.JSON(http.StatusOK, listMessagesResponse{Items: items})
}

type sendMessageRequest struct {
	ContentType channel.ContentType `json:"content_type" validate:"omitempty,oneof=text image video audio file sticker"`
	Text        string              `json:"text" validate:"max=20000"`
	Attachment  *channel.Attachment `json:"attachment"`
	Template    *channel.Template   `json:"template"`
}

type sendRejectedResponse struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

const (
	sendFailedMessage  = "platform send failed"
	partialSendMessage = "platform accepted only part of the message"
)

type partialSendResponse struct {
	Message string        `json:"message"`
	Stored  inbox.Message `json:"stored"`
}

// SendMessage sends a staff reply. Platform refusals are 409 with a reason the
// UI can act on; transport failures are 502.
func (h *InboxHandler) SendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	staffID, err := auth.StaffIDFromContext(c)
	if err != nil {
		return err
	}
	msg, err := h.service.Send(c.Request().Context(), c.Param("id"), staffID, channel.OutboundContent{
		ContentType: req.ContentType,
		Text:        req.Text,
		Attachment:  req.Attachment,
		Template:    req.Template,
	})
	if err != nil {
		if msg.ID != "" {
			h.logger.Warn("outbound send partially delivered",
				slog.String("conversation_id", msg.ConversationID),
				slog.Any("error", err),
			)
			return c.JSON(http.StatusBadGateway, partialSendResponse{Message: partialSendMessage, Stored: msg})
		}
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (h *InboxHandler) GetCustomer(c echo.Context) error {
	ctx := c.Request().Context()
	conv, err := h.service.Conversation(ctx, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	customer, err := h.resolver.CustomerFor(ctx, conv)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, customer)
}

func (h *InboxHandler) MarkRead(c echo.Context) error {
	conv, err := h.service.MarkRead(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, conv)
}

type assignRequest struct {
	StaffID string `json:"staff_id" validate:"max=128"`
}

// Assign sets the assignee; an empty staff_id clears it.
func (h *InboxHandler) Assign(c echo.Context) error {
	var req assignRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	conv, err := h.service.Assign(c.Request().Context(), c.Param("id"), req.StaffID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, conv)
}

type setActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

func (h *InboxHandler) SetActive(c echo.Context) error {
	var req setActiveRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	conv, err := h.service.SetActive(c.Request().Context(), c.Param("id"), *req.Active)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, conv)
}

type linkCustomerRequest struct {
	CustomerID string `json:"customer_id" validate:"required,max=128"`
	Override   bool   `json:"override"`
}

// LinkCustomer links a channel user to a customer. Replacing an existing link
// to a different customer needs override=true, otherwise 409.
func (h *InboxHandler) LinkCustomer(c echo.Context) error {
	key, err := h.userKey(c)
	if err != nil {
		return err
	}
	var req linkCustomerRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	user, err := h.resolver.Link(c.Request().Context(), key, req.CustomerID, req.Override)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, user)
}

func (h *InboxHandler) UnlinkCustomer(c echo.Context) error {
	key, err := h.userKey(c)
	if err != nil {
		return err
	}
	user, err := h.resolver.Unlink(c.Request().Context(), key)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, user)
}

// Delta returns conversations changed after ?since. A missing since returns
// everything, which is how a poller bootstraps.
func (h *InboxHandler) Delta(c echo.Context) error {
	since, err := queryTime(c, "since")
	if err != nil {
		return err
	}
	delta, err := h.service.FetchDelta(c.Request().Context(), since)
	if err != nil {
		return h.fail(c, err)
	}
	if delta.Conversations == nil {
		delta.Conversations = []inbox.Conversation{}
	}
	return c.JSON(http.StatusOK, delta)
}

// Attachment proxies a platform attachment through the cache. Fetch failures
// serve the placeholder image with no-store so the browser retries later.
func (h *InboxHandler) Attachment(c echo.Context) error {
	rawURL := strings.TrimSpace(c.QueryParam("url"))
	if rawURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url is required")
	}
	if h.attachments == nil {
		return h.placeholder(c)
	}
	entry, err := h.attachments.GetWithRetry(c.Request().Context(), rawURL, attachmentAttempts)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		h.logger.Warn("serving attachment placeholder", slog.String("tier", "origin"), slog.Any("error", err))
		return h.placeholder(c)
	}
	c.Response().Header().Set("Cache-Control", "private, max-age=3600")
	c.Response().Header().Set("X-Cache-Tier", string(entry.Tier))
	return c.Blob(http.StatusOK, entry.ContentType, entry.Data)
}

func (h *InboxHandler) placeholder(c echo.Context) error {
	data, contentType := attachment.Placeholder()
	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("X-Attachment-Placeholder", "1")
	return c.Blob(http.StatusOK, contentType, data)
}

func (h *InboxHandler) userKey(c echo.Context) (inbox.UserKey, error) {
	ct, err := h.parseChannel(c.Param("channel"))
	if err != nil {
		return inbox.UserKey{}, err
	}
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		return inbox.UserKey{}, echo.NewHTTPError(http.StatusBadRequest, "user id is required")
	}
	return inbox.UserKey{Channel: ct, ChannelUserID: userID}, nil
}

func (h *InboxHandler) parseChannel(raw string) (channel.ChannelType, error) {
	if h.registry == nil {
		ct := channel.NormalizeChannelType(raw)
		if ct == "" {
			return "", echo.NewHTTPError(http.StatusBadRequest, "channel is required")
		}
		return ct, nil
	}
	ct, err := h.registry.ParseChannelType(raw)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return ct, nil
}

// fail maps domain errors onto HTTP statuses.
func (h *InboxHandler) fail(c echo.Context, err error) error {
	var rejected *channel.SendRejectedError
	switch {
	case errors.As(err, &rejected):
		return c.JSON(http.StatusConflict, sendRejectedResponse{
			Message: rejected.Error(),
			Reason:  rejected.Reason,
			Detail:  rejected.Detail,
		})
	case errors.Is(err, inbox.ErrNotFound),
		errors.Is(err, identity.ErrCustomerNotFound),
		errors.Is(err, identity.ErrNotLinked):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, identity.ErrLinkConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, inbox.ErrEmptyContent):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, channel.ErrSendNotSupported):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("inbox request timed out", slog.String("path", c.Path()), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusGatewayTimeout, "upstream timed out")
	case isSendPath(c):
		// Transport errors can carry platform URLs; the detail stays in the log.
		h.logger.Error("outbound send failed", slog.String("conversation_id", c.Param("id")), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, sendFailedMessage)
	default:
		h.logger.Error("inbox request failed", slog.String("path", c.Path()), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func isSendPath(c echo.Context) bool {
	return c.Request().Method == http.MethodPost && strings.HasSuffix(c.Path(), "/messages")
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return v, nil
}

func queryBool(c echo.Context, name string) (bool, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, echo.NewHTTPError(http.StatusBadRequest, name+" must be a boolean")
	}
	return v, nil
}

func queryTime(c echo.Context, name string) (time.Time, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, name+" must be an RFC 3339 timestamp")
	}
	return t.UTC(), nil
}
