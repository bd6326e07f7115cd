// Package router maps inbound client messages onto lifecycle coordinator
// operations. Room operation and message-send rejections produce an
// explicit error event back to the originating connection; typing
// rejections stay silent.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/berstock227/demoE5/internal/coordinator"
	"github.com/berstock227/demoE5/pkg/event"
	"github.com/berstock227/demoE5/pkg/presence"
)

// ClientMessage is the inbound wire shape. Target names the room the
// event applies to, where relevant.
type ClientMessage struct {
	Event   string          `json:"event"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// Sink delivers a payload back to a locally hosted connection.
type Sink interface {
	Deliver(connID string, payload []byte)
}

type Router struct {
	logger *slog.Logger
	coord  *coordinator.Coordinator
	sink   Sink
}

func New(logger *slog.Logger, coord *coordinator.Coordinator, sink Sink) *Router {
	return &Router{
		logger: logger.With(slog.String("component", "event_router")),
		coord:  coord,
		sink:   sink,
	}
}

// HandleMessage processes one inbound frame from a connection. Events of
// a single connection are handled in arrival order by the transport's
// read pump; ordering across connections is not guaranteed.
func (r *Router) HandleMessage(ctx context.Context, connID string, msg []byte) {
	var clientMsg ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		r.logger.Warn("Failed to unmarshal client message",
			slog.String("connID", connID), slog.Any("error", err))
		r.sendError(connID, "parse", "malformed message")
		return
	}

	payload := string(clientMsg.Payload)
	var err error
	switch clientMsg.Event {
	case "join_room":
		err = r.coord.JoinRoom(ctx, connID, clientMsg.Target)
	case "leave_room":
		err = r.coord.LeaveRoom(ctx, connID, clientMsg.Target)
	case "send_message":
		content := gjson.Get(payload, "content").String()
		_, err = r.coord.SendMessage(ctx, connID, clientMsg.Target, content)
	case "typing":
		isTyping := gjson.Get(payload, "is_typing").Bool()
		err = r.coord.Typing(ctx, connID, clientMsg.Target, isTyping)
	case "mark_read":
		messageID := gjson.Get(payload, "message_id").String()
		err = r.coord.MarkRead(ctx, connID, clientMsg.Target, messageID)
	case "update_presence":
		status := presence.Status(gjson.Get(payload, "status").String())
		customStatus := gjson.Get(payload, "custom_status").String()
		err = r.coord.UpdatePresence(ctx, connID, status, customStatus)
	case "fetch_history":
		r.handleHistory(ctx, connID, clientMsg.Target, payload)
		return
	default:
		r.logger.Warn("Received unknown event",
			slog.String("event", clientMsg.Event), slog.String("connID", connID))
		r.sendError(connID, clientMsg.Event, "unknown event")
		return
	}

	if err != nil {
		r.logger.Debug("Event rejected",
			slog.String("event", clientMsg.Event),
			slog.String("connID", connID),
			slog.Any("error", err),
		)
		r.sendError(connID, clientMsg.Event, reasonFor(err))
	}
}

type historyReply struct {
	Event   string                 `json:"event"`
	RoomID  string                 `json:"room_id"`
	Entries []*coordinator.Message `json:"entries"`
}

func (r *Router) handleHistory(ctx context.Context, connID, roomID, payload string) {
	limit := int(gjson.Get(payload, "limit").Int())
	offset := int(gjson.Get(payload, "offset").Int())
	if limit <= 0 {
		limit = 50
	}

	msgs, err := r.coord.History(ctx, connID, roomID, limit, offset)
	if err != nil {
		r.sendError(connID, "fetch_history", reasonFor(err))
		return
	}
	data, err := json.Marshal(historyReply{Event: "history", RoomID: roomID, Entries: msgs})
	if err != nil {
		r.logger.Error("Failed to marshal history reply", slog.Any("error", err))
		return
	}
	r.sink.Deliver(connID, data)
}

func (r *Router) sendError(connID, op, reason string) {
	env, err := event.New(event.KindError, event.ErrorPayload{Op: op, Reason: reason})
	if err != nil {
		r.logger.Error("Failed to build error event", slog.Any("error", err))
		return
	}
	data, err := env.Encode()
	if err != nil {
		r.logger.Error("Failed to encode error event", slog.Any("error", err))
		return
	}
	r.sink.Deliver(connID, data)
}

// reasonFor maps coordinator errors to client-facing reasons without
// leaking infrastructure detail.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, coordinator.ErrRateLimited):
		return "rate limited"
	case errors.Is(err, coordinator.ErrInvalidInput):
		return "invalid request"
	case errors.Is(err, coordinator.ErrNotConnected):
		return "not connected"
	case errors.Is(err, coordinator.ErrPersistence):
		return "temporarily unavailable"
	default:
		return "operation failed"
	}
}
