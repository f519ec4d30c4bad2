package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"refundledger/core/events"
)

const wsWriteTimeout = 10 * time.Second

// handleEventsWS streams journal entries as JSON text frames. The optional
// cursor query parameter is the last sequence the client has seen; the stream
// resumes at cursor+1 with the journal backlog before going live.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	cursor := uint64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "cursor must be a non-negative integer", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	if err := s.streamEvents(r.Context(), conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	// Subscribe before replaying so entries committed mid-replay are not
	// lost; duplicates are filtered by sequence below.
	sub := s.ledger.SubscribeEvents(128)
	defer sub.Close()

	last := cursor
	send := func(entry events.Entry) error {
		if err := writeEntry(ctx, conn, entry); err != nil {
			return err
		}
		last = entry.Seq
		return nil
	}

	if err := s.ledger.ReplayEvents(cursor, send); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-sub.C():
			if !ok {
				return nil
			}
			if entry.Seq <= last {
				continue
			}
			if entry.Seq == last+1 {
				if err := send(entry); err != nil {
					return err
				}
				continue
			}
			// The subscriber buffer overflowed; recover the gap from the
			// journal, which also covers the entry that signalled it.
			if err := s.ledger.ReplayEvents(last, send); err != nil {
				return err
			}
		}
	}
}

func writeEntry(ctx context.Context, conn *websocket.Conn, entry events.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
