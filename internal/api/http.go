// Package api exposes the chat core: the JSON write path over HTTP and the
// local admin surface over gRPC.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/auth"
	"github.com/Shasikumar10/Chat-App/internal/chat"
	"github.com/Shasikumar10/Chat-App/internal/errs"
	"github.com/Shasikumar10/Chat-App/internal/metrics"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// RouterDeps is everything the HTTP surface needs.
type RouterDeps struct {
	Chat    *chat.Service
	Auth    *auth.Authenticator
	Gateway http.Handler
	Metrics *metrics.Metrics
	// Health reports nil while the server should receive traffic.
	Health func() error
	Logger *zap.Logger
}

type handlers struct {
	svc    *chat.Service
	logger *zap.Logger
}

// NewRouter builds the route table.
func NewRouter(d RouterDeps) *mux.Router {
	h := &handlers{svc: d.Chat, logger: d.Logger}
	r := mux.NewRouter()
	r.Use(instrument(d.Metrics))

	r.HandleFunc("/healthz", healthz(d.Health)).Methods(http.MethodGet)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)
	}
	if d.Gateway != nil {
		r.Handle("/ws", d.Gateway).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(d.Auth.Middleware(h.writeError))

	api.HandleFunc("/conversations", h.createConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations", h.listConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", h.getConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/participants", h.addParticipant).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/participants/{userId}", h.removeParticipant).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id}/messages", h.history).Methods(http.MethodGet)

	api.HandleFunc("/messages/search", h.search).Methods(http.MethodGet)
	api.HandleFunc("/messages", h.send).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}", h.edit).Methods(http.MethodPatch)
	api.HandleFunc("/messages/{id}", h.delete).Methods(http.MethodDelete)
	api.HandleFunc("/messages/{id}/delivered", h.delivered).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/read", h.read).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/reactions", h.react(true)).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/reactions", h.react(false)).Methods(http.MethodDelete)

	api.HandleFunc("/profile/push-token", h.pushToken).Methods(http.MethodPost)
	api.HandleFunc("/presence/{userId}", h.presence).Methods(http.MethodGet)

	return r
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func (h *handlers) createConversation(w http.ResponseWriter, r *http.Request) {
	var in chat.CreateConversationInput
	if !h.decode(w, r, &in) {
		return
	}
	conv, created, err := h.svc.CreateConversation(r.Context(), identity(r), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, conv)
}

func (h *handlers) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.svc.ListConversations(r.Context(), identity(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (h *handlers) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.GetConversation(r.Context(), identity(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *handlers) addParticipant(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID string `json:"userId"`
	}
	if !h.decode(w, r, &in) {
		return
	}
	conv, err := h.svc.AddParticipant(r.Context(), identity(r), mux.Vars(r)["id"], in.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *handlers) removeParticipant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	conv, err := h.svc.RemoveParticipant(r.Context(), identity(r), vars["id"], vars["userId"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	before, err := parseBefore(q.Get("before"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	msgs, err := h.svc.History(r.Context(), identity(r), mux.Vars(r)["id"], limit, before)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *handlers) send(w http.ResponseWriter, r *http.Request) {
	var in chat.SendInput
	if !h.decode(w, r, &in) {
		return
	}
	msg, err := h.svc.Send(r.Context(), identity(r), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *handlers) edit(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Content string `json:"content"`
	}
	if !h.decode(w, r, &in) {
		return
	}
	msg, err := h.svc.Edit(r.Context(), identity(r), mux.Vars(r)["id"], in.Content)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *handlers) delete(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.Delete(r.Context(), identity(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	msgs, err := h.svc.Search(r.Context(), identity(r), q.Get("q"), q.Get("conversationId"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *handlers) delivered(w http.ResponseWriter, r *http.Request) {
	changed, err := h.svc.MarkDelivered(r.Context(), identity(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (h *handlers) read(w http.ResponseWriter, r *http.Request) {
	changed, err := h.svc.MarkRead(r.Context(), identity(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// react handles both add and remove. Removal also accepts ?emoji= since
// some clients cannot send a DELETE body.
func (h *handlers) react(add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Emoji string `json:"emoji"`
		}
		if e := r.URL.Query().Get("emoji"); e != "" && !add {
			in.Emoji = e
		} else if !h.decode(w, r, &in) {
			return
		}
		msg, err := h.svc.React(r.Context(), identity(r), mux.Vars(r)["id"], in.Emoji, add)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func (h *handlers) pushToken(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token    string `json:"token"`
		Platform string `json:"platform"`
	}
	if !h.decode(w, r, &in) {
		return
	}
	if err := h.svc.RegisterPushToken(r.Context(), identity(r), in.Token, in.Platform); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) presence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Presence(mux.Vars(r)["userId"]))
}

func healthz(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if check != nil {
			if err := check(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, errs.Wrap(errs.InvalidArgument, err, "invalid JSON body"))
		return false
	}
	return true
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	msg := err.Error()
	if kind == errs.Internal {
		h.logger.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, errs.HTTPStatus(err), map[string]string{"error": msg, "kind": string(kind)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errs.E(errs.InvalidArgument, "limit must be a non-negative integer")
	}
	return n, nil
}

// parseBefore accepts RFC 3339 or unix milliseconds. Empty means no bound.
// Timestamps are stored in milliseconds, so a sub-millisecond bound is
// rounded up: a message in the same millisecond but earlier than the bound
// still counts as before it.
func parseBefore(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errs.E(errs.InvalidArgument, "before must be RFC 3339 or unix milliseconds")
	}
	if t.Nanosecond()%int(time.Millisecond) != 0 {
		t = t.Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return t, nil
}

// statusRecorder captures the response code for metrics. Websocket upgrades
// bypass it because they need the original writer's Hijack.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func instrument(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			if route == "/ws" {
				next.ServeHTTP(w, r)
				m.HTTPRequest(route, "101")
				return
			}
			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.HTTPRequest(route, strconv.Itoa(rec.code))
		})
	}
}
