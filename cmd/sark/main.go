package main

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/apathy-ca/sark/internal/alerting"
	"github.com/apathy-ca/sark/internal/apikey"
	"github.com/apathy-ca/sark/internal/audit"
	"github.com/apathy-ca/sark/internal/authn"
	"github.com/apathy-ca/sark/internal/breaker"
	"github.com/apathy-ca/sark/internal/cache"
	"github.com/apathy-ca/sark/internal/config"
	"github.com/apathy-ca/sark/internal/fallback"
	"github.com/apathy-ca/sark/internal/forwarder"
	"github.com/apathy-ca/sark/internal/httpserver"
	"github.com/apathy-ca/sark/internal/identity"
	"github.com/apathy-ca/sark/internal/platform"
	"github.com/apathy-ca/sark/internal/policy"
	"github.com/apathy-ca/sark/internal/ratelimit"
	"github.com/apathy-ca/sark/internal/retry"
	"github.com/apathy-ca/sark/internal/session"
	"github.com/apathy-ca/sark/internal/siem"
	"github.com/apathy-ca/sark/internal/telemetry"
)

func main() {
	mode := flag.String("mode", "", "run mode: gateway or worker (overrides SARK_MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	metricsReg := telemetry.NewRegistry()
	notifier := alerting.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)

	fallbackQ, err := fallback.New(cfg.FallbackLogDir)
	if err != nil {
		return fmt.Errorf("opening fallback queue: %w", err)
	}

	fwd := buildForwarder(cfg, fallbackQ, logger, notifier)
	emitter := audit.NewEmitter(fwd, logger)
	emitter.OnDrop(func(ev audit.Event) {
		logger.Warn("audit event diverted under backpressure", "event_kind", ev.EventKind)
		raw, err := json.Marshal([]audit.Event{ev})
		if err != nil {
			logger.Error("encoding diverted audit event", "error", err, "event_id", ev.EventID)
			return
		}
		if err := fallbackQ.Append(fallback.Entry{
			Destination: "ingress",
			FailedAt:    time.Now(),
			Events:      raw,
			LastError:   "audit emitter buffer saturated",
		}); err != nil {
			logger.Error("diverting audit event to fallback queue", "error", err, "event_id", ev.EventID)
		}
	})

	fwd.Start(ctx)
	defer fwd.Close()
	emitter.Start(ctx)
	defer emitter.Close()

	if cfg.Mode == "worker" {
		return runWorker(ctx, cfg, fwd, fallbackQ, notifier, logger, metricsReg)
	}
	return runGateway(ctx, cfg, logger, db, rdb, metricsReg, emitter)
}

// runWorker drives the SIEM forwarder's replay loop: periodically draining
// the fallback queue back into live destinations and sampling its depth
// for operational alerting (spec.md §4.10, SPEC_FULL.md §4 supplement).
func runWorker(ctx context.Context, cfg *config.Config, fwd *forwarder.Forwarder, fallbackQ *fallback.Queue, notifier *alerting.Notifier, logger *slog.Logger, metricsReg *prometheus.Registry) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			replayed, err := fwd.Replay(ctx)
			if err != nil {
				logger.Error("fallback replay failed", "error", err)
			} else if replayed > 0 {
				logger.Info("replayed fallback entries", "count", replayed)
			}

			depth, err := fallbackQ.Depth()
			if err != nil {
				logger.Error("reading fallback depth failed", "error", err)
				continue
			}
			telemetry.FallbackQueueDepth.WithLabelValues("all").Set(float64(depth))
			notifier.NotifyFallbackDepth("all", int64(depth), 50)
		}
	}
}

func runGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, emitter *audit.Emitter) error {
	directory, hasDirectory := buildDirectoryProvider(cfg)

	var oidcProvider *identity.OIDCProvider
	if cfg.OIDCIssuerURL != "" {
		p, err := identity.NewOIDCProvider(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID, cfg.OIDCClientSecret, cfg.OIDCRedirectURL)
		if err != nil {
			return fmt.Errorf("building oidc provider: %w", err)
		}
		oidcProvider = p
	}

	samlProvider, hasSAML := buildSAMLProvider(cfg)

	apiKeyStore := apikey.NewStore(db)
	apiKeyService := apikey.NewService(apiKeyStore, cfg.APIKeyPrefix, cfg.APIKeyRotationGraceH)

	sessions := session.New(rdb)
	tokens, err := session.NewTokenIssuer(cfg.SessionSigningSecret, time.Duration(cfg.AccessTokenTTLMin)*time.Minute)
	if err != nil {
		return fmt.Errorf("building token issuer: %w", err)
	}

	limiter := ratelimit.New(rdb, map[ratelimit.Scope]ratelimit.BucketConfig{
		ratelimit.ScopeUser:   {Capacity: cfg.RateLimitUserPerMin, RefillRatePerSecond: float64(cfg.RateLimitUserPerMin) / 60},
		ratelimit.ScopeAPIKey: {Capacity: cfg.RateLimitAPIKeyPerMin, RefillRatePerSecond: float64(cfg.RateLimitAPIKeyPerMin) / 60},
		ratelimit.ScopeIP:     {Capacity: cfg.RateLimitPublicPerMin, RefillRatePerSecond: float64(cfg.RateLimitPublicPerMin) / 60},
	})

	authnCore := authn.New(directory, oidcProvider, samlProvider, apiKeyService, sessions, tokens, limiter, emitter, authn.Config{
		RefreshTTL:         time.Duration(cfg.RefreshTokenTTLDays) * 24 * time.Hour,
		MaxSessionsPerUser: cfg.MaxSessionsPerPrincipal,
		IdleTimeout:        time.Duration(cfg.IdleTimeoutMin) * time.Minute,
	})

	decisionCache := cache.New(rdb)
	var ruleEngine policy.RuleEngineClient
	if cfg.PolicyEngineURL != "" {
		ruleEngine = policy.NewHTTPRuleEngineClient(cfg.PolicyEngineURL, time.Duration(cfg.PolicyEngineTimeoutMs)*time.Millisecond)
	}
	policyEngine := policy.New(decisionCache, ruleEngine, emitter, "sark/authz",
		policy.TTLConfig{
			High: time.Duration(cfg.PolicyCacheTTLHighS) * time.Second,
			Low:  time.Duration(cfg.PolicyCacheTTLLowS) * time.Second,
			Deny: time.Duration(cfg.PolicyCacheTTLDenyS) * time.Second,
		},
		time.Duration(cfg.PolicyEngineTimeoutMs)*time.Millisecond,
		"v1",
	)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, httpserver.Deps{
		Authn:        authnCore,
		APIKeys:      apiKeyService,
		APIKeyStore:  apiKeyStore,
		Policy:       policyEngine,
		RateLimiter:  limiter,
		HasDirectory: hasDirectory,
		HasOIDC:      oidcProvider != nil,
		HasSAML:      hasSAML,
		HasAPIKeys:   true,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildForwarder wires one Destination per configured SIEM target, each
// with its own breaker (alerting-connected via OnTransition) and retry
// policy, plus an always-present file destination. The forwarder sends the
// file destination every batch alongside the others; it is not reserved for
// batches the other destinations failed to deliver.
func buildForwarder(cfg *config.Config, fallbackQ *fallback.Queue, logger *slog.Logger, notifier *alerting.Notifier) *forwarder.Forwarder {
	breakerCfg := breaker.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		SuccessThreshold: cfg.CircuitSuccessThreshold,
		RecoveryTimeout:  time.Duration(cfg.CircuitRecoveryTimeoutS) * time.Second,
	}
	retryCfg := retry.Config{
		MaxAttempts: cfg.SIEMMaxRetries,
		Base:        200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}

	var destinations []forwarder.Destination

	if cfg.SplunkHECURL != "" {
		b := breaker.New("splunk", breakerCfg, logger)
		b.OnTransition(func(from, to breaker.State) {
			telemetry.CircuitBreakerTransitionsTotal.WithLabelValues("splunk", string(to)).Inc()
			notifier.NotifyBreakerTransition("splunk", from, to)
		})
		destinations = append(destinations, forwarder.Destination{
			Adapter: siem.NewSplunkAdapter(cfg.SplunkHECURL, cfg.SplunkHECToken, "sark", "sark:audit", "main", 5*time.Second),
			Breaker: b,
			Retry:   retryCfg,
		})
	}

	if cfg.DatadogAPIKey != "" {
		b := breaker.New("datadog", breakerCfg, logger)
		b.OnTransition(func(from, to breaker.State) {
			telemetry.CircuitBreakerTransitionsTotal.WithLabelValues("datadog", string(to)).Inc()
			notifier.NotifyBreakerTransition("datadog", from, to)
		})
		ddURL := fmt.Sprintf("https://http-intake.logs.%s/api/v2/logs", cfg.DatadogSite)
		destinations = append(destinations, forwarder.Destination{
			Adapter: siem.NewDatadogAdapter(ddURL, cfg.DatadogAPIKey, "sark", "service:sark-gateway", "sark-gateway", 5*time.Second),
			Breaker: b,
			Retry:   retryCfg,
		})
	}

	fileBreaker := breaker.New("file", breaker.Config{FailureThreshold: 1 << 30, SuccessThreshold: 1, RecoveryTimeout: time.Second}, logger)
	destinations = append(destinations, forwarder.Destination{
		Adapter: siem.NewFileAdapter(fallbackQ),
		Breaker: fileBreaker,
		Retry:   retry.Config{MaxAttempts: 1, Base: time.Millisecond, MaxDelay: time.Millisecond},
	})

	return forwarder.New(destinations, fallbackQ, logger, forwarder.Config{
		BatchSize:     cfg.SIEMBatchSize,
		BatchInterval: time.Duration(cfg.SIEMBatchIntervalMs) * time.Millisecond,
	})
}

// buildDirectoryProvider wires the directory identity provider over
// go-ldap/v3's search-then-bind client, resolving a service-account bind
// followed by a per-user search. The directory's userPassword attribute is
// assumed to hold a bcrypt verifier rather than the {SSHA} scheme a stock
// LDAP server defaults to — a deployment-time schema choice that keeps
// DirectoryProvider.Verify's bcrypt comparison (shared with every other
// credential-verifier path) uniform across identity sources.
func buildDirectoryProvider(cfg *config.Config) (*identity.DirectoryProvider, bool) {
	if cfg.DirectoryAddr == "" {
		return nil, false
	}

	timeout := time.Duration(cfg.DirectoryTimeoutSec) * time.Second
	client := identity.DirectoryClient{
		Search: func(ctx context.Context, username string) (string, string, []string, bool, error) {
			conn, err := ldap.DialURL(cfg.DirectoryAddr)
			if err != nil {
				return "", "", nil, false, fmt.Errorf("dialing directory: %w", err)
			}
			defer conn.Close()

			if err := conn.Bind(cfg.DirectoryBindDN, cfg.DirectoryBindPassword); err != nil {
				return "", "", nil, false, fmt.Errorf("binding service account: %w", err)
			}

			filter := fmt.Sprintf(cfg.DirectoryUserFilter, ldap.EscapeFilter(username))
			req := ldap.NewSearchRequest(
				cfg.DirectoryBaseDN,
				ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
				filter,
				[]string{"dn", "memberOf", "userPassword"},
				nil,
			)

			sr, err := conn.Search(req)
			if err != nil {
				return "", "", nil, false, fmt.Errorf("searching directory: %w", err)
			}
			if len(sr.Entries) != 1 {
				return "", "", nil, false, nil
			}

			entry := sr.Entries[0]
			return entry.DN, entry.GetAttributeValue("userPassword"), entry.GetAttributeValues("memberOf"), true, nil
		},
	}
	return identity.NewDirectoryProvider(client, timeout), true
}

// buildSAMLProvider loads the trusted signing certificate and wires an
// in-process pending-request store. A single-replica, in-memory store is a
// known limitation for a horizontally-scaled gateway (see DESIGN.md); a
// production deployment would back this with the same Redis instance
// session.Store already uses.
func buildSAMLProvider(cfg *config.Config) (*identity.SAMLProvider, bool) {
	if cfg.SAMLTrustedCertPath == "" {
		return nil, false
	}

	raw, err := os.ReadFile(cfg.SAMLTrustedCertPath)
	if err != nil {
		return nil, false
	}
	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		der = block.Bytes
	}
	if _, err := x509.ParseCertificate(der); err != nil {
		return nil, false
	}

	store := newPendingRequestStore()
	p, err := identity.NewSAMLProvider(der, store.lookup)
	if err != nil {
		return nil, false
	}
	return p, true
}

// pendingRequestStore is the in-memory, single-replica backing for
// identity.SAMLProvider's one-time-use request lookup.
type pendingRequestStore struct {
	mu      sync.Mutex
	pending map[string]identity.PendingRequest
}

func newPendingRequestStore() *pendingRequestStore {
	return &pendingRequestStore{pending: make(map[string]identity.PendingRequest)}
}

func (s *pendingRequestStore) lookup(id string) (identity.PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return req, ok
}
