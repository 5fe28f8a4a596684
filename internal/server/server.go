package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	prom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.tunl.sh/tether/internal/config"
	"go.tunl.sh/tether/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	healthPath  = "/health"
	connectPath = "/connect"

	// handshakeTimeout bounds the wait for the register frame after upgrade.
	handshakeTimeout = 10 * time.Second
)

// Server is the tetherd edge: it terminates public HTTP traffic, owns the
// control channel endpoint and multiplexes requests onto the single
// registered tunnel client.
type Server struct {
	conf     config.Config
	tunables atomic.Pointer[config.Config]

	upgrader websocket.Upgrader

	// mu guards the single active tunnel slot
	mu     sync.Mutex
	tunnel *tunnel

	tunnelRegistrationsTotal  metric.Int64Counter
	proxyRequestsHandledTotal metric.Int64Counter
	proxyRequestsLatency      metric.Float64Histogram
	proxyRequestsInFlight     metric.Int64UpDownCounter
}

// New constructs and configures a new tether edge Server.
func New(conf config.Config) (*Server, error) {
	conf.SetDefaults()

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("initializing server: %w", err)
	}

	s := &Server{
		conf: conf,
		upgrader: websocket.Upgrader{
			Subprotocols: protocol.Subprotocols(),
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	s.tunables.Store(&conf)

	meter := noop.NewMeterProvider().Meter(meterName)
	if conf.ManagementAddress != "" {
		exporter, err := prom.New()
		if err != nil {
			log.Fatal(err)
		}

		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		meter = provider.Meter(meterName)
	}

	var err error
	s.tunnelRegistrationsTotal, err = meter.Int64Counter(
		prometheus.BuildFQName(namespace, tunnelSubsystem, "registrations_total"),
		metric.WithDescription("Total number of tunnel registration attempts by result"),
	)
	if err != nil {
		return nil, err
	}

	s.proxyRequestsHandledTotal, err = meter.Int64Counter(
		prometheus.BuildFQName(namespace, proxySubsystem, "requests_total"),
		metric.WithDescription("Total number of requests handled by response code"),
	)
	if err != nil {
		return nil, err
	}

	s.proxyRequestsLatency, err = meter.Float64Histogram(
		prometheus.BuildFQName(namespace, proxySubsystem, "requests_latency"),
		metric.WithDescription("Latency of requests per response code"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	s.proxyRequestsInFlight, err = meter.Int64UpDownCounter(
		prometheus.BuildFQName(namespace, proxySubsystem, "requests_in_flight"),
		metric.WithDescription("Number of requests currently multiplexed onto the tunnel"),
	)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Apply installs new tunable settings (timeouts, frame limit) for
// subsequent requests and registrations. Listener addresses are fixed.
func (s *Server) Apply(conf *config.Config) {
	s.tunables.Store(conf)
}

func (s *Server) conftunables() *config.Config {
	return s.tunables.Load()
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	if s.conf.ManagementAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		management := &http.Server{
			Addr:    s.conf.ManagementAddress,
			Handler: mux,
		}

		group.Go(func() error {
			slog.Info("Management listener starting...", "addr", management.Addr)

			return ignoreServerClosed(management.ListenAndServe())
		})

		group.Go(func() error {
			<-ctx.Done()

			return management.Close()
		})
	}

	httpServer := &http.Server{
		Addr:    s.conf.HTTPAddress,
		Handler: s,
	}

	group.Go(func() error {
		slog.Info("HTTP listener starting...", "addr", httpServer.Addr)

		return ignoreServerClosed(httpServer.ListenAndServe())
	})

	group.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.conftunables().ShutdownGrace)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)

		if t := s.activeTunnel(); t != nil {
			t.close("server closing down")
		}

		return err
	})

	return group.Wait()
}

func ignoreServerClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// ServeHTTP routes the health and tunnel endpoints and forwards
// everything else through the control channel.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case healthPath:
		s.handleHealth(w, r)
	case connectPath:
		s.handleConnect(w, r)
	default:
		s.forward(w, r)
	}
}

// TunnelStatus reports the state of the active registration.
type TunnelStatus struct {
	Connected bool  `json:"connected"`
	Port      int   `json:"port,omitempty"`
	UptimeMS  int64 `json:"uptime_ms,omitempty"`
	InFlight  int   `json:"in_flight,omitempty"`
}

// Status describes the current registration, if any.
func (s *Server) Status() TunnelStatus {
	t := s.activeTunnel()
	if t == nil {
		return TunnelStatus{}
	}

	return TunnelStatus{
		Connected: true,
		Port:      t.port,
		UptimeMS:  time.Since(t.registeredAt).Milliseconds(),
		InFlight:  t.inflight.Len(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status string       `json:"status"`
		Tunnel TunnelStatus `json:"tunnel"`
	}{
		Status: "ok",
		Tunnel: s.Status(),
	})
}

// handleConnect upgrades the control channel and installs the new tunnel,
// replacing (and aborting) any previous registration.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	result := "error"
	defer func() {
		s.tunnelRegistrationsTotal.Add(
			context.Background(),
			1,
			metric.WithAttributes(resultKey.String(result)),
		)
	}()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Upgrading control channel", "error", err)
		return
	}

	codec, err := protocol.CodecFor(conn.Subprotocol())
	if err != nil {
		slog.Error("Negotiating framing", "error", err)
		conn.Close()
		return
	}

	conf := s.conftunables()
	conn.SetReadLimit(conf.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		slog.Error("Reading register frame", "error", err)
		conn.Close()
		return
	}

	var frame protocol.Frame
	if err := codec.Unmarshal(data, &frame); err != nil || frame.Type != protocol.TypeRegister {
		slog.Error("Expected register frame", "error", err, "type", frame.Type)
		conn.Close()
		return
	}

	t := newTunnel(conn, codec, frame.Port, s.conftunables)

	if previous := s.install(t); previous != nil {
		result = "replaced"
		previous.close("registration replaced")
	} else {
		result = "ok"
	}

	if err := t.writeFrame(&protocol.Frame{Type: protocol.TypeRegistered, Port: frame.Port}); err != nil {
		slog.Error("Acknowledging registration", "error", err)
		t.close("registration ack failed")
		s.release(t)
		return
	}

	slog.Info("Tunnel registered", "port", frame.Port, "remote_addr", conn.RemoteAddr(), "subprotocol", codec.Subprotocol())

	go t.readLoop(s.release)
}

func (s *Server) install(t *tunnel) (previous *tunnel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, s.tunnel = s.tunnel, t
	return previous
}

func (s *Server) release(t *tunnel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tunnel == t {
		s.tunnel = nil
	}
}

func (s *Server) activeTunnel() *tunnel {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tunnel
}

// forward multiplexes one public request onto the control channel and
// parks until its response stream closes, the deadline fires, or the
// tunnel goes away.
func (s *Server) forward(w http.ResponseWriter, r *http.Request) {
	start := time.Now().UTC()

	log := slog.With("method", r.Method, "path", r.URL.Path)
	log.Debug("Handling request")

	var rec *inflight
	defer func() {
		status := 0
		if rec != nil {
			status = rec.statusCode()
		}

		attrs := attribute.NewSet(statusKey.String(statusCodeToLabel(status)))
		s.proxyRequestsHandledTotal.Add(r.Context(), 1, metric.WithAttributeSet(attrs))
		s.proxyRequestsLatency.Record(r.Context(), float64(time.Since(start))/1e6, metric.WithAttributeSet(attrs))
		log.Debug("Finished handling request")
	}()

	t := s.activeTunnel()
	if t == nil {
		writeErrorBody(w, http.StatusServiceUnavailable, "No active tunnel", "no tunnel client is registered")
		return
	}

	s.proxyRequestsInFlight.Add(r.Context(), 1)
	defer s.proxyRequestsInFlight.Add(r.Context(), -1)

	id := newRequestID()
	rec = newInflight(id, w, log.With("id", id))

	t.track(id, rec)
	// the handler owns the record: this is the single cleanup point
	defer t.untrack(id)

	hasBody := r.ContentLength > 0

	err := t.writeFrame(&protocol.Frame{
		Type:    protocol.TypeRequest,
		ID:      id,
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Headers: protocol.SanitizeHeaders(r.Header),
		HasBody: hasBody,
	})
	if err != nil {
		rec.disconnect()
		return
	}

	if hasBody {
		go t.pumpRequestBody(id, r.Body)
	}

	timer := time.NewTimer(s.conftunables().RequestTimeout)
	defer timer.Stop()

	select {
	case <-rec.done:
	case <-timer.C:
		rec.timeout()
	case <-t.done:
		rec.disconnect()
	case <-r.Context().Done():
		rec.closeQuietly()
	}
}

// newRequestID mints an id unique within the registration: a nanosecond
// timestamp plus a short random suffix.
func newRequestID() string {
	var suffix [4]byte
	_, _ = rand.Read(suffix[:])

	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(suffix[:]))
}

func writeErrorBody(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeErrorJSON(w, kind, message)
}

func writeErrorJSON(w io.Writer, kind, message string) {
	_ = json.NewEncoder(w).Encode(protocol.ErrorBody{Error: kind, Message: message})
}

// statusCodeToLabel normalize HTTP status codes into string labels
// 100s to 1XX
// 200s to 2XX
// and so on
func statusCodeToLabel(code int) string {
	if code == 0 {
		return "2XX"
	}

	if c := strconv.Itoa(code); len(c) > 0 {
		return c[:1] + "XX"
	}

	return "0XX"
}
