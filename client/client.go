package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.tunl.sh/tether/pkg/protocol"
	"k8s.io/apimachinery/pkg/util/wait"
)

var (
	// DefaultBackoff is the reconnect schedule used when Backoff is nil:
	// 1s doubling up to the 60s cap, each delay jittered by up to 30%.
	DefaultBackoff = wait.Backoff{
		Duration: time.Second,
		Factor:   2.0,
		Jitter:   0.3,
		Cap:      60 * time.Second,
		Steps:    30,
	}

	// DefaultKeepAlivePeriod is the ping interval on the control channel.
	DefaultKeepAlivePeriod = 20 * time.Second

	// ErrAlreadyServing is returned when DialAndServe is invoked while a
	// previous call is still running.
	ErrAlreadyServing = errors.New("client is already serving")
)

const (
	dialTimeout     = 10 * time.Second
	handshakeWindow = 10 * time.Second
)

// Client maintains the control channel to a tether edge and dispatches
// tunneled requests against a local HTTP service.
// The zero value is not usable; set LocalPort before calling DialAndServe.
type Client struct {
	// LocalPort is the loopback port requests are dispatched against.
	LocalPort int

	// Logger allows the caller to configure a custom *slog.Logger instance.
	// If not defined then Client uses the default instance returned by slog.Default.
	Logger *slog.Logger

	// Backoff overrides DefaultBackoff for the reconnection controller.
	// Steps is the maximum number of consecutive failed dial attempts
	// before DialAndServe gives up.
	Backoff *wait.Backoff

	// Binary selects msgpack framing via subprotocol negotiation.
	Binary bool

	// KeepAlivePeriod overrides DefaultKeepAlivePeriod.
	KeepAlivePeriod time.Duration

	// HTTPClient performs loopback requests. Defaults to a client which
	// does not follow redirects, leaving them to the public caller.
	HTTPClient *http.Client

	// OnConnectionReady is called with the registered frame each time the
	// client has successfully registered with the edge.
	OnConnectionReady func(protocol.Frame)

	// OnDisconnect is called each time an established channel is lost.
	OnDisconnect func()

	running atomic.Bool
}

func coallesce[T any](v, d *T) *T {
	if v == nil {
		return d
	}

	return v
}

// DialAndServe opens the control channel to addr, registers the local
// port, and serves tunneled requests until ctx is cancelled or the
// reconnection controller gives up. Only one sequence may run at a time.
func (c *Client) DialAndServe(ctx context.Context, addr string) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	defer c.running.Store(false)

	log := coallesce(c.Logger, slog.Default()).With("addr", addr)

	for {
		conn, codec, err := c.dialWithBackoff(ctx, log, addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		if err := c.register(conn, codec); err != nil {
			log.Warn("Registering tunnel", "error", err)
			conn.Close()
		} else {
			log.Info("Tunnel established", "port", c.LocalPort)

			err = c.serve(ctx, conn, codec)
			log.Debug("Session ended", "error", err)

			if c.OnDisconnect != nil {
				c.OnDisconnect()
			}
		}

		if ctx.Err() != nil {
			return nil
		}

		log.Info("Reconnecting...")
	}
}

// dialWithBackoff retries the dial on the exponential schedule. The
// attempt counter is per-sequence: every successful open starts the next
// sequence from scratch.
func (c *Client) dialWithBackoff(ctx context.Context, log *slog.Logger, addr string) (*websocket.Conn, protocol.Codec, error) {
	var (
		conn    *websocket.Conn
		codec   protocol.Codec
		lastErr error
	)

	backoff := *coallesce(c.Backoff, &DefaultBackoff)

	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (done bool, _ error) {
		cn, cd, err := c.dial(ctx, addr)
		if err != nil {
			lastErr = err

			// logged at debug as the attempt will be repeated and
			// hopefully eventually succeed; the last observed error is
			// surfaced if the schedule is exhausted
			log.Debug("Error while attempting to dial", "error", err)

			return false, nil
		}

		conn, codec = cn, cd
		return true, nil
	})
	if err != nil {
		if wait.Interrupted(err) && lastErr != nil {
			err = fmt.Errorf("reconnect attempts exhausted: %w", lastErr)
		}

		return nil, nil, err
	}

	return conn, codec, nil
}

func (c *Client) dial(ctx context.Context, addr string) (*websocket.Conn, protocol.Codec, error) {
	wsURL, err := tunnelURL(addr)
	if err != nil {
		return nil, nil, err
	}

	subprotocols := []string{protocol.Name}
	if c.Binary {
		subprotocols = []string{protocol.BinaryName}
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		Subprotocols:     subprotocols,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}

	codec, err := protocol.CodecFor(conn.Subprotocol())
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	return conn, codec, nil
}

// register declares the tunnel and waits for the edge to acknowledge it.
func (c *Client) register(conn *websocket.Conn, codec protocol.Codec) error {
	frame := &protocol.Frame{Type: protocol.TypeRegister, Port: c.LocalPort}

	data, err := codec.Marshal(frame)
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(handshakeWindow))
	if err := conn.WriteMessage(codec.MessageType(), data); err != nil {
		return fmt.Errorf("sending register frame: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeWindow))
	_, data, err = conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("awaiting registration ack: %w", err)
	}

	var ack protocol.Frame
	if err := codec.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("decoding registration ack: %w", err)
	}

	if ack.Type != protocol.TypeRegistered {
		return fmt.Errorf("unexpected frame type: %q", ack.Type)
	}

	conn.SetWriteDeadline(time.Time{})
	conn.SetReadDeadline(time.Time{})

	if c.OnConnectionReady != nil {
		c.OnConnectionReady(ack)
	}

	return nil
}

// serve runs the dispatcher over an established channel until the
// channel dies or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, codec protocol.Codec) error {
	sess := newSession(c, conn, codec)

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
		case <-done:
		}
	}()

	return sess.run(ctx)
}

func (c *Client) keepAlivePeriod() time.Duration {
	if c.KeepAlivePeriod > 0 {
		return c.KeepAlivePeriod
	}

	return DefaultKeepAlivePeriod
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}

	return defaultHTTPClient
}

// defaultHTTPClient leaves redirects to the public caller and carries no
// timeout of its own: the edge-side deadline bounds every request.
var defaultHTTPClient = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// tunnelURL converts the configured edge base URL into the WebSocket
// control channel endpoint.
func tunnelURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parsing address: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}

	u.Path = "/connect"
	u.RawQuery = ""

	return u.String(), nil
}
