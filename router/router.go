// Package router is the typed publish/subscribe facade over the transport.
// Inbound events are decoded into their payload types and dispatched to the
// registered callback from a single goroutine, which preserves server
// emission order per conversation. Outbound operations are fire-and-forget
// and degrade to no-ops while disconnected.
//
// The router also owns the presence set: a full users:online snapshot
// replaces it wholesale, single user:online/user:offline events update it
// incrementally. Consumers only ever see copies.
package router

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shrey2343/researcher-rtc/model"
)

// Transport is the surface the router needs from the realtime client.
type Transport interface {
	Send(model.Event) error
	Subscribe() (ch chan model.Event, cancel func())
	Connected() bool
}

type Config struct {
	Logger    *zerolog.Logger
	Transport Transport
}

type Router struct {
	logger zerolog.Logger
	tr     Transport

	handlerMu sync.RWMutex
	handlers  map[model.EventKind]func(json.RawMessage)

	presenceMu sync.RWMutex
	online     map[string]struct{}

	cancel func()
	done   chan struct{}
}

// NewRouter creates a router and starts dispatching transport events
// immediately.
func NewRouter(cfg Config) *Router {
	r := &Router{
		logger:   cfg.Logger.With().Str("component", "router").Logger(),
		tr:       cfg.Transport,
		handlers: make(map[model.EventKind]func(json.RawMessage)),
		online:   make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	ch, cancel := cfg.Transport.Subscribe()
	r.cancel = cancel
	go r.dispatchLoop(ch)
	return r
}

// Close stops dispatching. Registered handlers are not invoked afterwards.
func (r *Router) Close() {
	select {
	case <-r.done:
		return
	default:
		close(r.done)
	}
	r.cancel()
}

// Outbound operations are fire-and-forget: when the transport is down the
// emission is dropped with a debug log, so senders never block or fail on
// a dead connection.

func (r *Router) JoinProject(projectID string) {
	r.emit(model.EventJoinProject, model.JoinProjectPayload{ProjectID: projectID})
}

func (r *Router) SendMessage(msg model.Message) {
	r.emit(model.EventMessageSend, msg)
}

func (r *Router) StartTyping(projectID, userName string) {
	r.emit(model.EventTypingStart, model.TypingPayload{ProjectID: projectID, UserName: userName})
}

func (r *Router) StopTyping(projectID string) {
	r.emit(model.EventTypingStop, model.TypingPayload{ProjectID: projectID})
}

func (r *Router) MarkRead(projectID string, messageIDs []string) {
	r.emit(model.EventMessageRead, model.ReadPayload{ProjectID: projectID, MessageIDs: messageIDs})
}

func (r *Router) DeleteMessage(projectID, messageID string) {
	r.emit(model.EventMessageDelete, model.MessageDeletePayload{ProjectID: projectID, MessageID: messageID})
}

func (r *Router) EditMessage(projectID, messageID, body string) {
	r.emit(model.EventMessageEdit, model.MessageEditPayload{ProjectID: projectID, MessageID: messageID, Body: body})
}

func (r *Router) emit(kind model.EventKind, payload any) {
	ev, err := model.NewEvent(kind, payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", string(kind)).Msg("failed to build event")
		return
	}
	if err = r.tr.Send(ev); err != nil {
		r.logger.Debug().Err(err).Str("event", string(kind)).Msg("event dropped")
	}
}

// Registering a handler for a kind replaces any previous handler for that
// kind, so re-subscribing on a dependency change cannot double-invoke.

func (r *Router) OnMessage(fn func(model.Message)) {
	setHandler(r, model.EventMessageNew, fn)
}

func (r *Router) OnTypingStart(fn func(model.TypingPayload)) {
	setHandler(r, model.EventTypingStart, fn)
}

func (r *Router) OnTypingStop(fn func(model.TypingPayload)) {
	setHandler(r, model.EventTypingStop, fn)
}

func (r *Router) OnRead(fn func(model.ReadPayload)) {
	setHandler(r, model.EventMessageRead, fn)
}

func (r *Router) OnMessageDeleted(fn func(model.MessageDeletePayload)) {
	setHandler(r, model.EventMessageDeleted, fn)
}

func (r *Router) OnMessageEdited(fn func(model.MessageEditPayload)) {
	setHandler(r, model.EventMessageEdited, fn)
}

// OnUserOnline fires after the presence set has been updated.
func (r *Router) OnUserOnline(fn func(userID string)) {
	setHandler(r, model.EventUserOnline, func(p model.PresencePayload) {
		fn(p.UserID)
	})
}

// OnUserOffline fires after the presence set has been updated.
func (r *Router) OnUserOffline(fn func(userID string)) {
	setHandler(r, model.EventUserOffline, func(p model.PresencePayload) {
		fn(p.UserID)
	})
}

// OnPresenceSnapshot fires with a copy of the full replaced online set.
func (r *Router) OnPresenceSnapshot(fn func(userIDs []string)) {
	setHandler(r, model.EventUsersOnline, func(p model.PresenceSnapshotPayload) {
		fn(p.UserIDs)
	})
}

// Off removes the handler for kind. Unknown kinds are a no-op.
func (r *Router) Off(kind model.EventKind) {
	r.handlerMu.Lock()
	delete(r.handlers, kind)
	r.handlerMu.Unlock()
}

// Online reports whether userID is currently in the presence set.
func (r *Router) Online(userID string) bool {
	r.presenceMu.RLock()
	_, ok := r.online[userID]
	r.presenceMu.RUnlock()
	return ok
}

// OnlineUsers returns a copy of the presence set.
func (r *Router) OnlineUsers() []string {
	r.presenceMu.RLock()
	defer r.presenceMu.RUnlock()
	out := make([]string, 0, len(r.online))
	for id := range r.online {
		out = append(out, id)
	}
	return out
}

// setHandler registers a decoding handler for kind. Generic over the
// payload type so every On* method shares the decode-log-dispatch shape.
func setHandler[T any](r *Router, kind model.EventKind, fn func(T)) {
	r.handlerMu.Lock()
	r.handlers[kind] = func(raw json.RawMessage) {
		var p T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				r.logger.Error().Err(err).Str("event", string(kind)).Msg("failed to decode payload")
				return
			}
		}
		fn(p)
	}
	r.handlerMu.Unlock()
}

func (r *Router) dispatchLoop(ch <-chan model.Event) {
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.dispatch(ev)
		}
	}
}

func (r *Router) dispatch(ev model.Event) {
	// Presence bookkeeping happens before handlers run, so a handler
	// reading the set observes the state implied by its own event.
	switch ev.Kind {
	case model.EventUserOnline, model.EventUserOffline:
		var p model.PresencePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			r.logger.Error().Err(err).Str("event", string(ev.Kind)).Msg("failed to decode presence payload")
			return
		}
		r.presenceMu.Lock()
		if ev.Kind == model.EventUserOnline {
			r.online[p.UserID] = struct{}{}
		} else {
			delete(r.online, p.UserID)
		}
		r.presenceMu.Unlock()
	case model.EventUsersOnline:
		var p model.PresenceSnapshotPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			r.logger.Error().Err(err).Str("event", string(ev.Kind)).Msg("failed to decode presence snapshot")
			return
		}
		replaced := make(map[string]struct{}, len(p.UserIDs))
		for _, id := range p.UserIDs {
			replaced[id] = struct{}{}
		}
		r.presenceMu.Lock()
		r.online = replaced
		r.presenceMu.Unlock()
	}

	r.handlerMu.RLock()
	fn, ok := r.handlers[ev.Kind]
	r.handlerMu.RUnlock()
	if !ok {
		r.logger.Trace().Str("event", string(ev.Kind)).Msg("no handler registered")
		return
	}
	fn(ev.Payload)
}
