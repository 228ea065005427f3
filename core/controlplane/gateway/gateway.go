package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/updraft-io/updraft/core/catalog"
	"github.com/updraft-io/updraft/core/infra/bus"
	"github.com/updraft-io/updraft/core/infra/config"
	"github.com/updraft-io/updraft/core/infra/locks"
	"github.com/updraft-io/updraft/core/infra/logging"
	infraMetrics "github.com/updraft-io/updraft/core/infra/metrics"
	"github.com/updraft-io/updraft/core/permission"
	"github.com/updraft-io/updraft/core/publish"
	"github.com/updraft-io/updraft/core/update"
)

const (
	defaultHTTPAddr    = ":8080"
	defaultMetricsAddr = ":9090"
	maxSubmissionBytes = 64 << 10
	// #nosec G101 -- protocol label, not a credential.
	wsAPIKeyProtocol = "updraft-api-key"
)

const (
	envHTTPAddr    = "UPDRAFT_HTTP_ADDR"
	envMetricsAddr = "UPDRAFT_METRICS_ADDR"
)

type server struct {
	cfg       *config.Config
	profile   *config.Profile
	store     update.Store
	validator *update.Validator
	gate      *update.Gate
	publisher *publish.Publisher
	catalogs  *catalog.Client
	natsBus   *bus.NatsBus
	metrics   infraMetrics.GatewayMetrics
	auth      AuthProvider
	started   time.Time

	clients   map[*websocket.Conn]chan bus.Event
	clientsMu sync.RWMutex
	eventsCh  chan bus.Event
}

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return isAllowedOrigin(strings.TrimSpace(r.Header.Get("Origin"))) },
	Subprotocols: []string{wsAPIKeyProtocol},
}

// Run starts the update gateway and blocks until shutdown.
func Run(cfg *config.Config) error {
	return RunWithAuth(cfg, nil)
}

// RunWithAuth starts the gateway with a custom auth provider. When nil, the
// basic API-key provider is used.
func RunWithAuth(cfg *config.Config, provider AuthProvider) error {
	if cfg == nil {
		cfg = config.Load()
	}
	httpAddr := addrFromEnv(envHTTPAddr, defaultHTTPAddr)
	metricsAddr := addrFromEnv(envMetricsAddr, defaultMetricsAddr)

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return fmt.Errorf("load repository profile: %w", err)
	}

	if provider == nil {
		basic, err := newBasicAuthProvider()
		if err != nil {
			return fmt.Errorf("init auth: %w", err)
		}
		provider = basic
	}

	cache, err := catalog.NewRedisCache(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis cache: %w", err)
	}
	catalogs := catalog.NewClient(profile, cache)

	lockStore, err := locks.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis lock store: %w", err)
	}
	defer lockStore.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	store, err := update.OpenBoltStore(cfg.PendingPath)
	if err != nil {
		return fmt.Errorf("open pending store: %w", err)
	}
	defer store.Close()

	updMetrics := infraMetrics.NewProm("updraft")
	gwMetrics := infraMetrics.NewGatewayProm("updraft_gateway")

	resolver := permission.NewResolver(catalogs)
	validator := update.NewValidator(update.ValidatorOptions{
		Profile:   profile,
		Catalogs:  catalogs,
		Resolver:  resolver,
		Store:     store,
		PushToken: cfg.PushToken,
		Metrics:   updMetrics,
		Events:    natsBus,
	})
	gate := update.NewGate(update.GateOptions{
		Store:         store,
		Resolver:      resolver,
		SuperApprover: cfg.SuperApprover,
		PushToken:     cfg.PushToken,
		Metrics:       updMetrics,
		Events:        natsBus,
	})
	publisher := publish.NewPublisher(publish.PublisherOptions{
		Profile:   profile,
		Transport: publish.NewGitTransport(profile, cfg.PushToken),
		Store:     store,
		Locks:     lockStore,
		Inval:     catalogs,
		Metrics:   updMetrics,
		Events:    natsBus,
	})

	s := &server{
		cfg:       cfg,
		profile:   profile,
		store:     store,
		validator: validator,
		gate:      gate,
		publisher: publisher,
		catalogs:  catalogs,
		natsBus:   natsBus,
		metrics:   gwMetrics,
		auth:      provider,
		started:   time.Now(),
		clients:   make(map[*websocket.Conn]chan bus.Event),
		eventsCh:  make(chan bus.Event, 128),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.subscribeEvents(); err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	go s.fanOutEvents(ctx)
	go s.runJanitor(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- startHTTPServer(ctx, s, httpAddr, metricsAddr) }()

	select {
	case <-ctx.Done():
		logging.Info("gateway", "shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// runJanitor sweeps abandoned proposals on an hourly cadence.
func (s *server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.store.Sweep(ctx, s.profile.PendingTTL()); err != nil {
				logging.Error("gateway", "pending sweep failed", "error", err)
			}
		}
	}
}

func startHTTPServer(ctx context.Context, s *server, httpAddr, metricsAddr string) error {
	mux := http.NewServeMux()
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	go func() {
		srv := &http.Server{
			Addr:         metricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logging.Info("gateway", "metrics listening", "addr", metricsAddr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("gateway", "metrics server error", "error", err)
		}
	}()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	mux.HandleFunc("POST /api/v1/updates", s.instrumented("/api/v1/updates", s.handleSubmitUpdate))
	mux.HandleFunc("GET /api/v1/updates", s.instrumented("/api/v1/updates", s.handleListUpdates))
	mux.HandleFunc("GET /api/v1/updates/{key}", s.instrumented("/api/v1/updates/{key}", s.handleGetUpdate))
	mux.HandleFunc("DELETE /api/v1/updates/{key}", s.instrumented("/api/v1/updates/{key}", s.handleWithdrawUpdate))
	mux.HandleFunc("POST /api/v1/updates/{key}/approve", s.instrumented("/api/v1/updates/{key}/approve", s.handleApproveUpdate))

	mux.HandleFunc("/api/v1/events", s.instrumented("/api/v1/events", s.handleEvents))

	handler := corsMiddleware(apiKeyMiddleware(s.auth, mux))

	logging.Info("gateway", "http listening", "addr", httpAddr)
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error("gateway", "http server error", "error", err)
		return err
	}
	return nil
}

// --- Handlers ---

func (s *server) handleSubmitUpdate(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	var sub update.Submission
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmissionBytes)).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_input", "invalid request body: "+err.Error())
		return
	}
	pending, err := s.validator.Submit(r.Context(), ident, sub)
	if err != nil {
		writeUpdateError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pending)
}

func (s *server) handleListUpdates(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	writeJSON(w, http.StatusOK, map[string]any{"updates": list, "count": len(list)})
}

func (s *server) handleGetUpdate(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		writeUpdateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *server) handleWithdrawUpdate(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if err := s.gate.Withdraw(r.Context(), ident, r.PathValue("key")); err != nil {
		writeUpdateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleApproveUpdate(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")
	snapshot, err := s.gate.Approve(r.Context(), ident, key)
	if err != nil {
		writeUpdateError(w, err)
		return
	}
	result, err := s.publisher.Publish(r.Context(), ident, snapshot)
	if err != nil {
		writeUpdateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptimeSeconds := int64(0)
	if !s.started.IsZero() {
		uptimeSeconds = int64(now.Sub(s.started).Seconds())
	}
	pendingCount := -1
	if list, err := s.store.List(r.Context()); err == nil {
		pendingCount = len(list)
	}

	natsConnected := false
	natsStatus := "UNKNOWN"
	if s.natsBus != nil {
		natsConnected = s.natsBus.IsConnected()
		natsStatus = s.natsBus.Status()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"time":           now.Format(time.RFC3339),
		"uptime_seconds": uptimeSeconds,
		"repo":           s.profile.Repo.URL,
		"branch":         s.profile.Repo.Branch,
		"nats": map[string]any{
			"connected": natsConnected,
			"status":    natsStatus,
		},
		"pending": map[string]any{
			"count": pendingCount,
		},
	})
}

func (s *server) requireIdentity(w http.ResponseWriter, r *http.Request) (permission.Identity, bool) {
	authCtx := authFromContext(r.Context())
	ident := authCtx.Identity()
	if ident.ID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "X-Principal-Id header is required")
		return permission.Identity{}, false
	}
	return ident, true
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}

// writeUpdateError maps pipeline error codes onto HTTP statuses.
func writeUpdateError(w http.ResponseWriter, err error) {
	var coded *update.Error
	if !errors.As(err, &coded) {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch coded.Code {
	case update.CodeMalformedInput, update.CodeMissingExtension, update.CodeExtensionChanged, update.CodeMissingIdentifier:
		status = http.StatusBadRequest
	case update.CodeUnauthorized, update.CodeSelfApprovalForbidden:
		status = http.StatusForbidden
	case update.CodeNotFound, update.CodeUnknownContentID:
		status = http.StatusNotFound
	case update.CodeNoChange, update.CodeRecordVanished:
		status = http.StatusConflict
	case update.CodeFetchFailed, update.CodeCorruptArchive:
		status = http.StatusUnprocessableEntity
	case update.CodePushFailed:
		status = http.StatusBadGateway
	case update.CodeCredentialMissing:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, string(coded.Code), coded.Error())
}

// --- Instrumentation ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}

func addrFromEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
