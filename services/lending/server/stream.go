package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"stxlend/core/events"
	"stxlend/services/lending/engine"
)

const wsWriteTimeout = 10 * time.Second

// handleEvents streams pool events over a websocket. ?cursor= resumes after
// a sequence number and ?types= limits the stream to a comma separated list
// of event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		s.fail(w, r, "events", engine.ErrUnavailable)
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	filter := typeFilter(r.URL.Query().Get("types"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// Reads are never expected; CloseRead handles control frames and ends
	// ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Warn("event stream failed", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor string, filter map[string]struct{}) error {
	updates, cancel, backlog := s.stream.Subscribe(ctx, cursor)
	defer cancel()

	for _, update := range backlog {
		if err := writeUpdate(ctx, conn, update, filter); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeUpdate(ctx, conn, update, filter); err != nil {
				return err
			}
		}
	}
}

func writeUpdate(ctx context.Context, conn *websocket.Conn, update events.Update, filter map[string]struct{}) error {
	if len(filter) > 0 {
		if update.Event == nil {
			return nil
		}
		if _, ok := filter[update.Event.Type]; !ok {
			return nil
		}
	}
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func typeFilter(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out[t] = struct{}{}
		}
	}
	return out
}
