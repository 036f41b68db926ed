package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentgate/internal/domain"
	"agentgate/internal/infra/logger"
	"agentgate/internal/infra/middleware"
)

const wsWriteTimeout = 10 * time.Second

// writeSSE relays events as server-sent events, flushing after each one.
// It returns when the producer closes the channel. Events that cannot be
// encoded are logged and skipped.
func writeSSE(w http.ResponseWriter, events <-chan domain.StreamEvent, log *slog.Logger) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Error("sse event dropped", "event", ev.Type, "agent", ev.Agent, "error", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// chatWS serves the chat event stream over a WebSocket. Each text frame
// from the client is a chat request; the server answers with the event
// sequence for it. The connection stays open for further requests.
func (h *handlers) chatWS(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	log := logger.FromContext(r.Context(), h.logger)

	if _, err := h.deps.Agents.Get(agentID); err != nil {
		middleware.WriteError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, wsAcceptOptions(h.deps.Gateway.CORS.AllowedOrigins))
	if err != nil {
		log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.maxBody())

	ctx := r.Context()
	for {
		var in domain.ChatInput
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			log.Debug("websocket read ended", "error", err)
			return
		}

		events, err := h.deps.Chat.ChatStream(ctx, agentID, in)
		if err != nil {
			if !wsWrite(ctx, conn, domain.StreamEvent{Type: domain.StreamEventError, Error: domain.ErrorPayloadOf(err)}) {
				return
			}
			continue
		}
		for ev := range events {
			if !wsWrite(ctx, conn, ev) {
				return
			}
		}
	}
}

func wsWrite(ctx context.Context, conn *websocket.Conn, ev domain.StreamEvent) bool {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev) == nil
}

// wsAcceptOptions mirrors the CORS allow-list, which has already rejected
// disallowed origins by the time the upgrade is attempted.
func wsAcceptOptions(allowed []string) *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
		}
	}
	return opts
}

func (h *handlers) maxBody() int64 {
	if h.deps.Gateway.MaxBodyBytes > 0 {
		return h.deps.Gateway.MaxBodyBytes
	}
	return defaultMaxBodyBytes
}
