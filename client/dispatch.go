package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.tunl.sh/tether/internal/synctyped"
	"go.tunl.sh/tether/pkg/protocol"
)

// session is one established control channel: the read loop, the pending
// request table and the serialized writer.
type session struct {
	client *Client
	conn   *websocket.Conn
	codec  protocol.Codec
	log    *slog.Logger

	writeMu sync.Mutex

	// pending routes request-directed body frames to their loopback
	// request. Entries exist only while a request body is being fed.
	pending synctyped.Map[*pendingRequest]
}

type pendingRequest struct {
	id   string
	body *io.PipeWriter
}

func newSession(c *Client, conn *websocket.Conn, codec protocol.Codec) *session {
	return &session{
		client: c,
		conn:   conn,
		codec:  codec,
		log:    coallesce(c.Logger, slog.Default()).With("local_port", c.LocalPort),
	}
}

func (s *session) run(ctx context.Context) error {
	period := s.client.keepAlivePeriod()

	s.conn.SetReadDeadline(time.Now().Add(3 * period))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(3 * period))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)

	go s.keepAlive(period, pingDone)

	defer s.failPending()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}

		s.conn.SetReadDeadline(time.Now().Add(3 * period))

		var frame protocol.Frame
		if err := s.codec.Unmarshal(data, &frame); err != nil {
			s.log.Warn("Discarding malformed frame", "error", err)
			continue
		}

		s.handleFrame(ctx, &frame)
	}
}

func (s *session) keepAlive(period time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				s.log.Debug("Keep-alive ping failed", "error", err)
				return
			}
		}
	}
}

// failPending aborts every request body still being fed when the channel
// dies, unblocking the loopback requests reading from them.
func (s *session) failPending() {
	s.pending.Range(func(id string, p *pendingRequest) bool {
		s.pending.Delete(id)
		if p.body != nil {
			p.body.CloseWithError(errors.New("control channel closed"))
		}

		return true
	})
}

func (s *session) handleFrame(ctx context.Context, f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeRequest:
		var body io.ReadCloser
		if f.HasBody {
			pr, pw := io.Pipe()
			body = pr
			s.pending.Store(f.ID, &pendingRequest{id: f.ID, body: pw})
		}

		go s.handleRequest(ctx, f, body)

	case protocol.TypeChunk:
		if !f.RequestDirected() {
			s.log.Debug("Response-directed chunk from edge dropped", "id", f.ID)
			return
		}

		p, ok := s.pending.Load(f.ID)
		if !ok {
			// tolerated: the loopback request may have already failed
			s.log.Debug("Chunk for unknown request", "id", f.ID)
			return
		}

		data, err := protocol.DecodeData(f.Data)
		if err != nil {
			s.log.Warn("Malformed request chunk", "id", f.ID, "error", err)
			s.abandonPending(f.ID, err)
			return
		}

		if _, err := p.body.Write(data); err != nil {
			// reader side is gone; stop routing body frames for this id
			s.pending.Delete(f.ID)
		}

	case protocol.TypeEnd:
		if !f.RequestDirected() {
			s.log.Debug("Response-directed end from edge dropped", "id", f.ID)
			return
		}

		if p, ok := s.pending.LoadAndDelete(f.ID); ok {
			p.body.Close()
		}

	case protocol.TypeError:
		s.log.Warn("Error from edge", "message", f.Message)

	case protocol.TypeRegistered:
		// handshake frames are consumed before the session starts

	default:
		s.log.Warn("Unknown frame type", "type", f.Type)
	}
}

func (s *session) abandonPending(id string, err error) {
	if p, ok := s.pending.LoadAndDelete(id); ok && p.body != nil {
		p.body.CloseWithError(err)
	}
}

// handleRequest issues the tunneled request against the loopback service
// and streams the response back as frames.
func (s *session) handleRequest(ctx context.Context, f *protocol.Frame, body io.ReadCloser) {
	defer s.abandonPending(f.ID, errors.New("request finished"))

	log := s.log.With("id", f.ID, "method", f.Method, "url", f.URL)
	log.Debug("Dispatching request")

	target := fmt.Sprintf("http://localhost:%d%s", s.client.LocalPort, f.URL)

	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, f.Method, target, body)
	if err != nil {
		log.Warn("Building loopback request", "error", err)
		s.writeSyntheticError(f.ID, http.StatusBadGateway, "Bad Gateway", err)
		return
	}

	// headers arrive already sanitized by the edge
	for k, v := range f.Headers {
		req.Header[k] = v
	}

	// local dev servers tend to validate Host
	req.Host = fmt.Sprintf("localhost:%d", s.client.LocalPort)

	if cl := f.Headers.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			req.ContentLength = n
		}
	}

	resp, err := s.client.httpClient().Do(req)
	if err != nil {
		log.Warn("Loopback request failed", "error", err)
		s.writeSyntheticError(f.ID, http.StatusBadGateway, "Bad Gateway", err)
		return
	}

	defer resp.Body.Close()

	err = s.writeFrame(&protocol.Frame{
		Type:      protocol.TypeResponse,
		ID:        f.ID,
		Status:    resp.StatusCode,
		Headers:   protocol.SanitizeHeaders(resp.Header),
		Streaming: true,
	})
	if err != nil {
		log.Debug("Sending response head", "error", err)
		return
	}

	buf := make([]byte, 32<<10)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			werr := s.writeFrame(&protocol.Frame{
				Type: protocol.TypeChunk,
				ID:   f.ID,
				Data: protocol.EncodeData(buf[:n]),
			})
			if werr != nil {
				log.Debug("Streaming response body", "error", werr)
				return
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = s.writeFrame(&protocol.Frame{Type: protocol.TypeEnd, ID: f.ID})
				log.Debug("Request complete", "status", resp.StatusCode)
				return
			}

			// headers are already on the wire: abort with no further
			// frames and let the edge deadline reap the record
			log.Warn("Loopback response errored mid-stream", "error", err)
			return
		}
	}
}

// writeSyntheticError responds on behalf of an unreachable or failing
// loopback service.
func (s *session) writeSyntheticError(id string, status int, kind string, cause error) {
	body, _ := json.Marshal(protocol.ErrorBody{Error: kind, Message: cause.Error()})

	err := s.writeFrame(&protocol.Frame{
		Type:    protocol.TypeResponse,
		ID:      id,
		Status:  status,
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Body:    protocol.EncodeData(body),
	})
	if err != nil {
		s.log.Debug("Sending synthetic error", "id", id, "error", err)
	}
}

const writeWait = 10 * time.Second

func (s *session) writeFrame(f *protocol.Frame) error {
	data, err := s.codec.Marshal(f)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(s.codec.MessageType(), data)
}
