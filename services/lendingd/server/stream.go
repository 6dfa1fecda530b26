package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"lendcore/core/events"
	"lendcore/integrations/exports"
	"lendcore/services/lendingd/eventstore"
)

const wsWriteTimeout = 10 * time.Second

// streamMessage is one event pushed to a websocket subscriber. Seq is set
// for backlog entries read from the store.
type streamMessage struct {
	Seq        uint              `json:"seq,omitempty"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func parseFilter(r *http.Request, account string) (eventstore.Filter, error) {
	q := r.URL.Query()
	f := eventstore.Filter{Account: account}
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("%w: invalid after cursor", errBadRequest)
		}
		f.AfterID = uint(after)
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return f, fmt.Errorf("%w: invalid limit", errBadRequest)
		}
		f.Limit = limit
	}
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("%w: since must be RFC3339", errBadRequest)
		}
		f.Since = since
	}
	for _, t := range q["type"] {
		if trimmed := strings.TrimSpace(t); trimmed != "" {
			f.Types = append(f.Types, trimmed)
		}
	}
	return f, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	account := accountParam(r)
	if !s.authorizeAccount(w, r, account) {
		return
	}
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event store not configured")
		return
	}
	filter, err := parseFilter(r, string(account))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stored, err := s.events.Query(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// handleEventStream replays stored events after the cursor and then follows
// live events for the account. The live subscription starts before the
// backlog is read, so an event may be delivered twice but never skipped.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	account := accountParam(r)
	if !s.authorizeAccount(w, r, account) {
		return
	}
	filter, err := parseFilter(r, string(account))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	live, cancel := s.hub.Subscribe(string(account))
	defer cancel()
	ctx := conn.CloseRead(r.Context())

	if err := s.streamEvents(ctx, conn, filter, live); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Warn("event stream failed", "account", account, "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, filter eventstore.Filter, live <-chan *events.Record) error {
	if s.events != nil {
		backlog, err := s.events.Query(ctx, filter)
		if err != nil {
			return err
		}
		for _, ev := range backlog {
			if err := writeMessage(ctx, conn, streamMessage{Seq: ev.Seq, Type: ev.Type, Attributes: ev.Attrs}); err != nil {
				return err
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-live:
			if !ok {
				return nil
			}
			if err := writeMessage(ctx, conn, streamMessage{Type: rec.Type, Attributes: rec.Attributes}); err != nil {
				return err
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// handleShareDeltaExport renders stored share deltas as csv, jsonl or
// parquet. Parquet files are written under the exports directory.
func (s *Server) handleShareDeltaExport(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event store not configured")
		return
	}
	filter, err := parseFilter(r, strings.TrimSpace(r.URL.Query().Get("account")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	filter.Types = []string{events.TypeShareDelta}
	stored, err := s.events.Query(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rows := make([]exports.ShareDeltaRow, 0, len(stored))
	for _, ev := range stored {
		row, err := exports.RowFromRecord(ev.Record())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		rows = append(rows, row)
	}

	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	switch format {
	case "", "csv":
		data, checksum, err := exports.ShareDeltasCSV(rows)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeExport(w, "text/csv", checksum, data)
	case "jsonl":
		data, checksum, err := exports.ShareDeltasJSONL(rows)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeExport(w, "application/x-ndjson", checksum, data)
	case "parquet":
		if s.exportsDir == "" {
			writeError(w, http.StatusNotImplemented, "parquet exports disabled")
			return
		}
		name := fmt.Sprintf("share-deltas-%s.parquet", time.Now().UTC().Format("20060102T150405.000"))
		path := filepath.Join(s.exportsDir, name)
		if err := exports.WriteShareDeltasParquet(path, rows); err != nil {
			s.fail(w, r, err)
			return
		}
		data, err := os.ReadFile(path)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		writeExport(w, "application/vnd.apache.parquet", "", data)
	default:
		writeError(w, http.StatusBadRequest, "format must be csv, jsonl or parquet")
	}
}

func writeExport(w http.ResponseWriter, contentType, checksum string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	if checksum != "" {
		w.Header().Set("X-Checksum-SHA256", checksum)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
