package restapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/rustymail/mailgw/internal/eventbus"
)

// handleEvents streams bus events to the client as Server-Sent
// Events, replaying anything newer than Last-Event-ID on connect.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errNoFlush)
		return
	}

	var lastID uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			lastID = n
		}
	}

	var kinds []eventbus.Kind
	for _, k := range r.URL.Query()["kind"] {
		kinds = append(kinds, eventbus.Kind(k))
	}

	ch := s.bus.Subscribe(32, lastID, kinds)
	defer s.bus.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := eventbus.WriteSSE(w, e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var errNoFlush = &flushError{}

type flushError struct{}

func (*flushError) Error() string { return "streaming unsupported by response writer" }

func jsonBody(r *http.Request) (json.RawMessage, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return json.RawMessage(data), nil
}

func writeStream(w http.ResponseWriter, r io.Reader) {
	io.Copy(w, r)
}
