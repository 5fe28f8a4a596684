package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.tunl.sh/tether/pkg/protocol"
	"k8s.io/apimachinery/pkg/util/wait"
)

func TestTunnelURL(t *testing.T) {
	for _, tc := range []struct {
		addr     string
		expected string
	}{
		{"http://tunnel.example.com", "ws://tunnel.example.com/connect"},
		{"https://tunnel.example.com", "wss://tunnel.example.com/connect"},
		{"http://127.0.0.1:3001", "ws://127.0.0.1:3001/connect"},
		{"ws://tunnel.example.com", "ws://tunnel.example.com/connect"},
		{"https://tunnel.example.com/ignored?x=1", "wss://tunnel.example.com/connect"},
	} {
		actual, err := tunnelURL(tc.addr)
		require.NoError(t, err, tc.addr)
		assert.Equal(t, tc.expected, actual, tc.addr)
	}

	_, err := tunnelURL("ftp://tunnel.example.com")
	require.Error(t, err)
}

// edgeSession is the server half of one established control channel.
type edgeSession struct {
	t      *testing.T
	conn   *websocket.Conn
	codec  protocol.Codec
	port   int
	frames chan protocol.Frame
}

func (e *edgeSession) write(f protocol.Frame) {
	e.t.Helper()

	data, err := e.codec.Marshal(&f)
	require.NoError(e.t, err)
	require.NoError(e.t, e.conn.WriteMessage(e.codec.MessageType(), data))
}

func (e *edgeSession) next() protocol.Frame {
	e.t.Helper()

	select {
	case frame, ok := <-e.frames:
		require.True(e.t, ok, "control channel closed while awaiting frame")
		return frame
	case <-time.After(5 * time.Second):
		e.t.Fatal("timed out awaiting frame")
		return protocol.Frame{}
	}
}

// newFakeEdge stands up an edge that accepts registrations on /connect
// and hands each established session to the test.
func newFakeEdge(t *testing.T) (*httptest.Server, <-chan *edgeSession) {
	t.Helper()

	sessions := make(chan *edgeSession, 4)

	upgrader := websocket.Upgrader{Subprotocols: protocol.Subprotocols()}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/connect" {
			http.NotFound(w, r)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		codec, err := protocol.CodecFor(conn.Subprotocol())
		if err != nil {
			conn.Close()
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}

		var register protocol.Frame
		if err := codec.Unmarshal(data, &register); err != nil || register.Type != protocol.TypeRegister {
			conn.Close()
			return
		}

		ack, _ := codec.Marshal(&protocol.Frame{Type: protocol.TypeRegistered, Port: register.Port})
		if err := conn.WriteMessage(codec.MessageType(), ack); err != nil {
			conn.Close()
			return
		}

		sess := &edgeSession{t: t, conn: conn, codec: codec, port: register.Port, frames: make(chan protocol.Frame, 64)}

		go func() {
			defer close(sess.frames)

			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}

				var frame protocol.Frame
				if err := codec.Unmarshal(data, &frame); err != nil {
					continue
				}

				sess.frames <- frame
			}
		}()

		sessions <- sess
	}))
	t.Cleanup(ts.Close)

	return ts, sessions
}

func portOf(t *testing.T, ts *httptest.Server) int {
	t.Helper()

	_, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// collectResponse drains one response stream off the channel.
func collectResponse(t *testing.T, sess *edgeSession, id string) (protocol.Frame, string) {
	t.Helper()

	head := sess.next()
	require.Equal(t, protocol.TypeResponse, head.Type)
	require.Equal(t, id, head.ID)

	if !head.Streaming {
		data, err := protocol.DecodeData(head.Body)
		require.NoError(t, err)
		return head, string(data)
	}

	var body strings.Builder
	if head.Body != "" {
		data, err := protocol.DecodeData(head.Body)
		require.NoError(t, err)
		body.Write(data)
	}

	for {
		frame := sess.next()
		require.Equal(t, id, frame.ID)

		switch frame.Type {
		case protocol.TypeChunk:
			data, err := protocol.DecodeData(frame.Data)
			require.NoError(t, err)
			body.Write(data)
		case protocol.TypeEnd:
			return head, body.String()
		default:
			t.Fatalf("unexpected frame type %q mid-stream", frame.Type)
		}
	}
}

func TestDialAndServeDispatches(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Local", "served")
		fmt.Fprintf(w, "%s %s", r.Method, r.URL.RequestURI())
	}))
	t.Cleanup(local.Close)

	edge, sessions := newFakeEdge(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan protocol.Frame, 4)

	client := &Client{
		LocalPort:         portOf(t, local),
		OnConnectionReady: func(f protocol.Frame) { ready <- f },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- client.DialAndServe(ctx, edge.URL) }()

	var sess *edgeSession
	select {
	case sess = <-sessions:
	case <-time.After(5 * time.Second):
		t.Fatal("client never registered")
	}

	select {
	case ack := <-ready:
		assert.Equal(t, client.LocalPort, ack.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("OnConnectionReady never fired")
	}

	sess.write(protocol.Frame{
		Type:   protocol.TypeRequest,
		ID:     "req-1",
		Method: http.MethodGet,
		URL:    "/echo?x=1",
	})

	head, body := collectResponse(t, sess, "req-1")
	assert.Equal(t, http.StatusOK, head.Status)
	assert.Equal(t, "served", head.Headers.Get("X-Local"))
	assert.Equal(t, "GET /echo?x=1", body)

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err, "cancellation is a clean shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("DialAndServe did not return after cancellation")
	}
}

func TestDialAndServeReentrancy(t *testing.T) {
	edge, sessions := newFakeEdge(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &Client{LocalPort: 3000}

	errCh := make(chan error, 1)
	go func() { errCh <- client.DialAndServe(ctx, edge.URL) }()

	select {
	case <-sessions:
	case <-time.After(5 * time.Second):
		t.Fatal("client never registered")
	}

	require.ErrorIs(t, client.DialAndServe(ctx, edge.URL), ErrAlreadyServing)

	cancel()
	require.NoError(t, <-errCh)
}

func TestRequestBodyPiped(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Write(body)
	}))
	t.Cleanup(local.Close)

	edge, sessions := newFakeEdge(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &Client{LocalPort: portOf(t, local)}

	errCh := make(chan error, 1)
	go func() { errCh <- client.DialAndServe(ctx, edge.URL) }()

	sess := <-sessions

	sess.write(protocol.Frame{
		Type:    protocol.TypeRequest,
		ID:      "req-2",
		Method:  http.MethodPost,
		URL:     "/submit",
		HasBody: true,
		Headers: http.Header{"Content-Type": []string{"text/plain"}},
	})
	sess.write(protocol.Frame{
		Type:      protocol.TypeChunk,
		ID:        "req-2",
		Direction: protocol.DirectionRequest,
		Data:      protocol.EncodeData([]byte("first ")),
	})
	sess.write(protocol.Frame{
		Type:      protocol.TypeChunk,
		ID:        "req-2",
		Direction: protocol.DirectionRequest,
		Data:      protocol.EncodeData([]byte("second")),
	})
	sess.write(protocol.Frame{
		Type:      protocol.TypeEnd,
		ID:        "req-2",
		Direction: protocol.DirectionRequest,
	})

	head, body := collectResponse(t, sess, "req-2")
	assert.Equal(t, http.StatusOK, head.Status)
	assert.Equal(t, "first second", body)

	cancel()
	require.NoError(t, <-errCh)
}

func TestSyntheticBadGateway(t *testing.T) {
	// reserve a port nothing listens on
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())

	edge, sessions := newFakeEdge(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &Client{LocalPort: port}

	errCh := make(chan error, 1)
	go func() { errCh <- client.DialAndServe(ctx, edge.URL) }()

	sess := <-sessions

	sess.write(protocol.Frame{
		Type:   protocol.TypeRequest,
		ID:     "req-3",
		Method: http.MethodGet,
		URL:    "/unreachable",
	})

	head, body := collectResponse(t, sess, "req-3")
	require.Equal(t, http.StatusBadGateway, head.Status)
	assert.Equal(t, "application/json", head.Headers.Get("Content-Type"))

	var envelope protocol.ErrorBody
	require.NoError(t, json.Unmarshal([]byte(body), &envelope))
	assert.Equal(t, "Bad Gateway", envelope.Error)
	assert.NotEmpty(t, envelope.Message)

	cancel()
	require.NoError(t, <-errCh)
}

func TestDialAndServeGivesUp(t *testing.T) {
	// reserve a port nothing listens on
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := "http://" + lis.Addr().String()
	require.NoError(t, lis.Close())

	client := &Client{
		LocalPort: 3000,
		Backoff: &wait.Backoff{
			Duration: 5 * time.Millisecond,
			Factor:   2.0,
			Steps:    3,
		},
	}

	err = client.DialAndServe(context.Background(), addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect attempts exhausted")
}

func TestClientReconnects(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	t.Cleanup(local.Close)

	edge, sessions := newFakeEdge(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disconnects := make(chan struct{}, 4)

	client := &Client{
		LocalPort: portOf(t, local),
		Backoff: &wait.Backoff{
			Duration: 5 * time.Millisecond,
			Factor:   2.0,
			Cap:      50 * time.Millisecond,
			Steps:    10,
		},
		OnDisconnect: func() { disconnects <- struct{}{} },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- client.DialAndServe(ctx, edge.URL) }()

	first := <-sessions

	// sever the channel from the edge side
	first.conn.Close()

	select {
	case <-disconnects:
	case <-time.After(5 * time.Second):
		t.Fatal("OnDisconnect never fired")
	}

	var second *edgeSession
	select {
	case second = <-sessions:
	case <-time.After(5 * time.Second):
		t.Fatal("client never reconnected")
	}

	// the fresh channel carries traffic
	second.write(protocol.Frame{Type: protocol.TypeRequest, ID: "req-4", Method: http.MethodGet, URL: "/"})

	head, body := collectResponse(t, second, "req-4")
	assert.Equal(t, http.StatusOK, head.Status)
	assert.Equal(t, "ok", body)

	cancel()
	require.NoError(t, <-errCh)
}

func TestKeepAliveHoldsChannelOpen(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "still here")
	}))
	t.Cleanup(local.Close)

	edge, sessions := newFakeEdge(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &Client{
		LocalPort:       portOf(t, local),
		KeepAlivePeriod: 50 * time.Millisecond,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- client.DialAndServe(ctx, edge.URL) }()

	sess := <-sessions

	// idle well past several keep-alive windows
	time.Sleep(400 * time.Millisecond)

	sess.write(protocol.Frame{Type: protocol.TypeRequest, ID: "req-5", Method: http.MethodGet, URL: "/"})

	head, body := collectResponse(t, sess, "req-5")
	assert.Equal(t, http.StatusOK, head.Status)
	assert.Equal(t, "still here", body)

	cancel()
	require.NoError(t, <-errCh)
}

func TestBinaryFramingNegotiation(t *testing.T) {
	edge, sessions := newFakeEdge(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &Client{LocalPort: 3000, Binary: true}

	errCh := make(chan error, 1)
	go func() { errCh <- client.DialAndServe(ctx, edge.URL) }()

	select {
	case sess := <-sessions:
		assert.Equal(t, protocol.BinaryName, sess.codec.Subprotocol())
	case <-time.After(5 * time.Second):
		t.Fatal("client never registered")
	}

	cancel()
	require.NoError(t, <-errCh)
}

// The reconnect schedule doubles from one second up to the cap.
func TestBackoffSchedule(t *testing.T) {
	backoff := DefaultBackoff
	backoff.Jitter = 0

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}

	for i, want := range expected {
		assert.Equal(t, want, backoff.Step(), "step %d", i)
	}
}
