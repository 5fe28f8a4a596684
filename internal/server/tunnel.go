package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.tunl.sh/tether/internal/config"
	"go.tunl.sh/tether/internal/synctyped"
	"go.tunl.sh/tether/pkg/protocol"
)

// writeWait bounds a single control channel write, pongs included.
const writeWait = 10 * time.Second

// tunnel is one registration: a control channel bound to a declared
// upstream port, together with the table of in-flight requests
// multiplexed onto it.
type tunnel struct {
	conn  *websocket.Conn
	codec protocol.Codec
	conf  func() *config.Config
	log   *slog.Logger

	// port is informational only, surfaced via the health endpoint
	port         int
	registeredAt time.Time

	// writeMu serializes frame writes so framing stays atomic across the
	// handler goroutines and body pumps sharing the channel
	writeMu sync.Mutex

	inflight synctyped.Map[*inflight]

	closeOnce sync.Once
	done      chan struct{}
}

func newTunnel(conn *websocket.Conn, codec protocol.Codec, port int, conf func() *config.Config) *tunnel {
	return &tunnel{
		conn:         conn,
		codec:        codec,
		conf:         conf,
		log:          slog.With("remote_addr", conn.RemoteAddr().String()),
		port:         port,
		registeredAt: time.Now().UTC(),
		done:         make(chan struct{}),
	}
}

func (t *tunnel) track(id string, rec *inflight) {
	t.inflight.Store(id, rec)
}

func (t *tunnel) untrack(id string) {
	t.inflight.Delete(id)
}

// writeFrame encodes and sends one frame. Writes are mutually exclusive;
// a frame is never interleaved with another.
func (t *tunnel) writeFrame(f *protocol.Frame) error {
	data, err := t.codec.Marshal(f)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.done:
		return errors.New("tunnel closed")
	default:
	}

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(t.codec.MessageType(), data)
}

// readLoop consumes frames until the channel dies, then fails every
// still-open request and hands the slot back via release.
func (t *tunnel) readLoop(release func(*tunnel)) {
	defer func() {
		t.close("control channel closed")
		release(t)
	}()

	conf := t.conf()
	t.conn.SetReadLimit(conf.MaxFrameBytes)
	t.conn.SetReadDeadline(time.Now().Add(conf.MaxIdleTimeout))
	t.conn.SetPingHandler(func(appData string) error {
		t.conn.SetReadDeadline(time.Now().Add(t.conf().MaxIdleTimeout))
		return t.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.log.Debug("Control channel read ended", "error", err)
			return
		}

		t.conn.SetReadDeadline(time.Now().Add(t.conf().MaxIdleTimeout))

		var frame protocol.Frame
		if err := t.codec.Unmarshal(data, &frame); err != nil {
			// protocol error: log and keep the channel
			t.log.Warn("Discarding malformed frame", "error", err)
			continue
		}

		t.dispatch(&frame)
	}
}

// dispatch routes one inbound frame to its request record. Frames for
// unknown ids lose a race with record cleanup and are dropped.
func (t *tunnel) dispatch(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeResponse, protocol.TypeChunk, protocol.TypeEnd:
		if f.RequestDirected() {
			t.log.Warn("Request-directed frame from client", "id", f.ID, "type", f.Type)
			return
		}

		rec, ok := t.inflight.Load(f.ID)
		if !ok {
			t.log.Debug("Frame for unknown request", "id", f.ID, "type", f.Type)
			return
		}

		switch f.Type {
		case protocol.TypeResponse:
			rec.applyResponse(f)
		case protocol.TypeChunk:
			rec.applyChunk(f)
		case protocol.TypeEnd:
			rec.applyEnd()
		}

	case protocol.TypeError:
		t.log.Warn("Error from tunnel client", "message", f.Message)

	case protocol.TypeRegister:
		t.log.Warn("Duplicate register frame ignored")

	default:
		t.log.Warn("Unknown frame type", "type", f.Type)
	}
}

// pumpRequestBody streams the inbound request body to the client as
// request-directed chunks. Best effort: a dead channel here is reaped by
// the deadline or the channel-close path in forward.
func (t *tunnel) pumpRequestBody(id string, body io.Reader) {
	buf := make([]byte, 32<<10)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			werr := t.writeFrame(&protocol.Frame{
				Type:      protocol.TypeChunk,
				ID:        id,
				Direction: protocol.DirectionRequest,
				Data:      protocol.EncodeData(buf[:n]),
			})
			if werr != nil {
				t.log.Debug("Streaming request body", "id", id, "error", werr)
				return
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = t.writeFrame(&protocol.Frame{
					Type:      protocol.TypeEnd,
					ID:        id,
					Direction: protocol.DirectionRequest,
				})
			}

			return
		}
	}
}

// close tears the channel down exactly once and aborts every in-flight
// request still attached to this registration.
func (t *tunnel) close(reason string) {
	t.closeOnce.Do(func() {
		close(t.done)

		t.log.Info("Closing tunnel", "reason", reason)

		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
			time.Now().Add(writeWait),
		)
		_ = t.conn.Close()

		t.inflight.Range(func(_ string, rec *inflight) bool {
			rec.disconnect()
			return true
		})
	})
}
