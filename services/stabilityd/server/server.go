package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/buckhoff/stabilityfund/native/stability"
	"github.com/buckhoff/stabilityfund/observability"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	TLS           TLSConfig
	RateLimit     RateLimit
}

// TLSConfig describes optional TLS termination.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// RateLimit throttles inbound requests across the whole listener.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// Server hosts the conversion, oracle and operations API for stabilityd.
type Server struct {
	cfg     Config
	engine  *stability.Engine
	logger  *slog.Logger
	auth    *Authenticator
	limiter *rate.Limiter
	metrics *observability.FundMetrics
	now     func() time.Time
}

// Option customises server wiring.
type Option func(*Server)

// WithMetrics installs the fund metrics registry.
func WithMetrics(metrics *observability.FundMetrics) Option {
	return func(s *Server) { s.metrics = metrics }
}

// WithClock overrides the time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs the HTTP server.
func New(cfg Config, engine *stability.Engine, logger *slog.Logger, auth *Authenticator, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 40
	}
	srv := &Server{
		cfg:     cfg,
		engine:  engine,
		logger:  logger,
		auth:    auth,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}
	return srv, nil
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", s.route("stabilityd.healthz", http.HandlerFunc(s.handleHealthz)))
	mux.Handle("/v1/health", s.route("stabilityd.health", http.HandlerFunc(s.handleReserveHealth)))
	mux.Handle("/v1/price", s.route("stabilityd.price", http.HandlerFunc(s.handlePrice)))
	mux.Handle("/v1/price/proof", s.route("stabilityd.price.proof", http.HandlerFunc(s.handlePriceProof)))
	mux.Handle("/v1/simulate", s.route("stabilityd.simulate", http.HandlerFunc(s.handleSimulate)))
	mux.Handle("/v1/conversions", s.route("stabilityd.conversions", http.HandlerFunc(s.handleConversions)))
	mux.Handle("/v1/conversions/export", s.route("stabilityd.export", http.HandlerFunc(s.handleExport)))
	mux.Handle("/v1/convert", s.privileged("stabilityd.convert", http.HandlerFunc(s.handleConvert)))
	mux.Handle("/v1/swap", s.privileged("stabilityd.swap", http.HandlerFunc(s.handleSwap)))
	mux.Handle("/admin/reserves/deposit", s.privileged("stabilityd.deposit", http.HandlerFunc(s.handleDeposit)))
	mux.Handle("/admin/reserves/withdraw", s.privileged("stabilityd.withdraw", http.HandlerFunc(s.handleWithdraw)))
	mux.Handle("/admin/breaker/pause", s.privileged("stabilityd.pause", http.HandlerFunc(s.handlePause)))
	mux.Handle("/admin/breaker/resume", s.privileged("stabilityd.resume", http.HandlerFunc(s.handleResume)))
	mux.Handle("/admin/recovery/initiate", s.privileged("stabilityd.recovery.initiate", http.HandlerFunc(s.handleRecoveryInitiate)))
	mux.Handle("/admin/recovery/approve", s.privileged("stabilityd.recovery.approve", http.HandlerFunc(s.handleRecoveryApprove)))
	mux.Handle("/admin/guard/cooldown", s.privileged("stabilityd.cooldown", http.HandlerFunc(s.handleCooldown)))
	mux.Handle("/admin/signers", s.privileged("stabilityd.signers", http.HandlerFunc(s.handleRegisterSigner)))
	return mux
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "address", s.cfg.ListenAddress)
	var err error
	cert := strings.TrimSpace(s.cfg.TLS.CertFile)
	key := strings.TrimSpace(s.cfg.TLS.KeyFile)
	if cert != "" && key != "" {
		err = srv.ListenAndServeTLS(cert, key)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) route(operation string, next http.Handler) http.Handler {
	return otelhttp.NewHandler(s.throttle(operation, next), operation)
}

func (s *Server) privileged(operation string, next http.Handler) http.Handler {
	return otelhttp.NewHandler(s.throttle(operation, s.auth.Middleware(next)), operation)
}

func (s *Server) throttle(operation string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.metrics.RecordRejection(operation, "rate_limited")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		started := s.now()
		next.ServeHTTP(w, r)
		s.metrics.ObserveLatency(operation, s.now().Sub(started))
	})
}
