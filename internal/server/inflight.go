package server

import (
	"log/slog"
	"net/http"
	"sync"

	"go.tunl.sh/tether/pkg/protocol"
)

type phase int

const (
	// phaseAwaitingHead: request frame sent, no response frame seen yet
	phaseAwaitingHead phase = iota
	// phaseStreaming: status and headers written, body chunks flowing
	phaseStreaming
	// phaseClosed: response finished, record dead
	phaseClosed
)

// inflight is the edge-side record of one tunneled request. All frame
// application happens on the tunnel read loop; the deadline and abort
// paths run on the handler goroutine, so every transition takes mu.
type inflight struct {
	id  string
	w   http.ResponseWriter
	log *slog.Logger

	mu     sync.Mutex
	phase  phase
	status int
	done   chan struct{}
}

func newInflight(id string, w http.ResponseWriter, log *slog.Logger) *inflight {
	return &inflight{
		id:   id,
		w:    w,
		log:  log,
		done: make(chan struct{}),
	}
}

func (rec *inflight) statusCode() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return rec.status
}

// applyResponse handles the head frame: status, headers, optional inline
// body and the streaming marker.
func (rec *inflight) applyResponse(f *protocol.Frame) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.phase != phaseAwaitingHead {
		rec.log.Warn("Response frame out of order", "phase", rec.phase)
		rec.closeLocked()
		return
	}

	if f.Status < 100 || f.Status > 999 {
		rec.failLocked(http.StatusInternalServerError, "Malformed response", "response frame carried an invalid status")
		return
	}

	var body []byte
	if f.Body != "" {
		var err error
		if body, err = protocol.DecodeData(f.Body); err != nil {
			rec.failLocked(http.StatusInternalServerError, "Malformed response", "response body is not valid base64")
			return
		}
	}

	for k, v := range f.Headers {
		rec.w.Header()[http.CanonicalHeaderKey(k)] = v
	}

	rec.writeHeaderLocked(f.Status)

	if len(body) > 0 {
		_, _ = rec.w.Write(body)
		rec.flushLocked()
	}

	if f.Streaming {
		rec.phase = phaseStreaming
		return
	}

	rec.closeLocked()
}

// applyChunk writes one body fragment. A chunk arriving before the head
// frame synthesizes an implicit 200, preserving the permissive behavior
// of body-first responses.
func (rec *inflight) applyChunk(f *protocol.Frame) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.phase == phaseClosed {
		rec.log.Debug("Chunk after close dropped")
		return
	}

	data, err := protocol.DecodeData(f.Data)
	if err != nil {
		if rec.phase == phaseAwaitingHead {
			rec.failLocked(http.StatusInternalServerError, "Malformed response", "chunk data is not valid base64")
			return
		}

		rec.log.Warn("Malformed chunk mid-stream", "error", err)
		rec.closeLocked()
		return
	}

	if rec.phase == phaseAwaitingHead {
		rec.writeHeaderLocked(http.StatusOK)
		rec.phase = phaseStreaming
	}

	_, _ = rec.w.Write(data)
	rec.flushLocked()
}

// applyEnd terminates the response stream, synthesizing the implicit 200
// for a response that never carried a head frame.
func (rec *inflight) applyEnd() {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.phase == phaseClosed {
		return
	}

	if rec.phase == phaseAwaitingHead {
		rec.writeHeaderLocked(http.StatusOK)
	}

	rec.closeLocked()
}

// timeout fires the request deadline: 504 if no response frame arrived,
// otherwise the stream is simply cut.
func (rec *inflight) timeout() {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.phase == phaseClosed {
		return
	}

	if rec.phase == phaseAwaitingHead {
		rec.failLocked(http.StatusGatewayTimeout, "Request timeout", "no response before the deadline")
		return
	}

	rec.closeLocked()
}

// disconnect fails the request because its registration went away.
func (rec *inflight) disconnect() {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.phase == phaseClosed {
		return
	}

	if rec.phase == phaseAwaitingHead {
		rec.failLocked(http.StatusServiceUnavailable, "Tunnel disconnected", "the tunnel client went away mid-request")
		return
	}

	rec.closeLocked()
}

func (rec *inflight) closeQuietly() {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.closeLocked()
}

// failLocked emits a JSON error envelope. Only legal before headers.
func (rec *inflight) failLocked(status int, kind, message string) {
	rec.w.Header().Set("Content-Type", "application/json")
	rec.writeHeaderLocked(status)
	writeErrorJSON(rec.w, kind, message)
	rec.closeLocked()
}

func (rec *inflight) writeHeaderLocked(status int) {
	rec.status = status
	rec.w.WriteHeader(status)
}

func (rec *inflight) flushLocked() {
	if f, ok := rec.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *inflight) closeLocked() {
	if rec.phase == phaseClosed {
		return
	}

	rec.phase = phaseClosed
	close(rec.done)
}
