package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailrelay/internal/logging"
	"github.com/nhle/mailrelay/internal/model"
	"github.com/nhle/mailrelay/internal/relay"
	"github.com/nhle/mailrelay/internal/store"
)

// auditTimeout bounds writing one audit entry after a request.
const auditTimeout = 5 * time.Second

// Handler runs relay requests.
type Handler interface {
	Handle(ctx context.Context, req *model.Request) (*model.Response, error)
}

// Options holds the HTTP server settings.
type Options struct {
	MaxRequestBytes int64
	AuthRate        float64
	AuthBurst       int
	ShutdownTimeout time.Duration
}

// Server exposes a Handler over HTTP.
type Server struct {
	handler Handler
	audit   store.Store
	opts    Options
	limiter *authThrottle
	log     logrus.FieldLogger
	srv     *http.Server
	now     func() time.Time
}

// New creates a server. Failed authentications are throttled per client
// address; a zero AuthRate disables throttling.
func New(h Handler, audit store.Store, opts Options, log logrus.FieldLogger) *Server {
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = 1 << 20
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		handler: h,
		audit:   audit,
		opts:    opts,
		log:     log,
		now:     time.Now,
	}
	if opts.AuthRate > 0 {
		s.limiter = newAuthThrottle(opts.AuthRate, opts.AuthBurst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /{$}", s.handleRelay)
	mux.HandleFunc("POST /relay", s.handleRelay)

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe listens on addr and serves until ctx is done, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.log.WithField("addr", l.Addr().String()).Info("Relay is listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()

	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(cctx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	requestID := uuid.NewString()
	client := clientHost(r.RemoteAddr)
	w.Header().Set("X-Request-Id", requestID)

	log := s.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"remote":     r.RemoteAddr,
	})

	entry := store.Entry{
		RequestID:  requestID,
		ReceivedAt: start,
		RemoteAddr: r.RemoteAddr,
	}
	defer func() {
		entry.DurationMS = s.now().Sub(start).Milliseconds()
		s.record(log, entry)
	}()

	if s.limiter != nil && s.limiter.blocked(client) {
		log.Warn("Refusing request, too many failed authentications")
		entry.Outcome, entry.Status = "throttled", http.StatusTooManyRequests
		writeError(w, http.StatusTooManyRequests)
		return
	}

	req, err := s.decodeRequest(w, r)
	if err != nil {
		log.WithError(err).Info("Rejected undecodable request")
		entry.Outcome, entry.Status = relay.KindRequestMalformed.String(), http.StatusBadRequest
		writeError(w, http.StatusBadRequest)
		return
	}

	entry.Method = string(req.Method)
	log = log.WithField("method", req.Method)

	resp, err := s.handler.Handle(logging.WithLogger(r.Context(), log), req)
	if err != nil {
		kind := relay.KindOf(err)
		status := statusFor(kind)
		if kind == relay.KindAuthenticationFailed && s.limiter != nil {
			s.limiter.fail(client)
		}

		log.WithError(err).WithField("status", status).Info("Request failed")
		entry.Outcome, entry.Status = kind.String(), status
		writeError(w, status)
		return
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(resp); err != nil {
		log.WithError(err).Error("Failed to encode response")
		entry.Outcome, entry.Status = relay.KindInternal.String(), http.StatusInternalServerError
		writeError(w, http.StatusInternalServerError)
		return
	}

	entry.Outcome, entry.Status, entry.Items = "ok", http.StatusOK, itemCount(resp)
	log.WithField("items", entry.Items).Info("Request handled")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// decodeRequest reads the request document either from a form field named
// "request" or from a raw JSON body.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*model.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxRequestBytes)

	var req model.Request

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parsing form: %w", err)
		}
		doc := r.PostForm.Get("request")
		if doc == "" {
			return nil, errors.New("missing request form field")
		}
		if err := json.Unmarshal([]byte(doc), &req); err != nil {
			return nil, fmt.Errorf("decoding request: %w", err)
		}
		return &req, nil
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	return &req, nil
}

func (s *Server) record(log logrus.FieldLogger, e store.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	if err := s.audit.Record(ctx, e); err != nil {
		log.WithError(err).Warn("Failed to record audit entry")
	}
}

func statusFor(kind relay.Kind) int {
	switch kind {
	case relay.KindRequestMalformed, relay.KindMalformedIdentifier:
		return http.StatusBadRequest
	case relay.KindAuthenticationFailed:
		return http.StatusForbidden
	case relay.KindIdentifierNotFound:
		return http.StatusNotFound
	case relay.KindRemoteSession:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func itemCount(resp *model.Response) int {
	switch data := resp.Data.(type) {
	case []model.MessageHeader:
		return len(data)
	case []byte:
		return 1
	default:
		return 0
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an opaque error body; details stay in the log.
func writeError(w http.ResponseWriter, status int) {
	http.Error(w, http.StatusText(status), status)
}
