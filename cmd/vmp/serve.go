package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/procurehq/vmp/pkg/cases"
	"github.com/procurehq/vmp/pkg/checklist"
	"github.com/procurehq/vmp/pkg/config"
	"github.com/procurehq/vmp/pkg/database"
	"github.com/procurehq/vmp/pkg/evidence"
	"github.com/procurehq/vmp/pkg/identity"
	"github.com/procurehq/vmp/pkg/invoices"
	"github.com/procurehq/vmp/pkg/notify"
	"github.com/procurehq/vmp/pkg/objstore"
	"github.com/procurehq/vmp/pkg/observability"
	"github.com/procurehq/vmp/pkg/portal"
	"github.com/procurehq/vmp/pkg/ratelimit"
	"github.com/procurehq/vmp/pkg/soa"
	"github.com/procurehq/vmp/pkg/tenants"
	"github.com/procurehq/vmp/pkg/thread"
	"github.com/procurehq/vmp/pkg/vendors"
)

// stores bundles every table-owning store. Construction is cheap; schema
// application happens in init, ordered along the foreign-key graph.
type stores struct {
	tenants  *tenants.Store
	vendors  *vendors.Store
	users    *identity.UserStore
	sessions *identity.SessionStore
	cases    *cases.Store
	steps    *checklist.Store
	messages *thread.Store
	evidence *evidence.Store
	invoices *invoices.Store
	soa      *soa.Store
	inbox    *notify.Store
}

func newStores(db *sql.DB) *stores {
	return &stores{
		tenants:  tenants.NewStore(db),
		vendors:  vendors.NewStore(db),
		users:    identity.NewUserStore(db),
		sessions: identity.NewSessionStore(db),
		cases:    cases.NewStore(db),
		steps:    checklist.NewStore(db),
		messages: thread.NewStore(db),
		evidence: evidence.NewStore(db),
		invoices: invoices.NewStore(db),
		soa:      soa.NewStore(db),
		inbox:    notify.NewStore(db),
	}
}

type migration struct {
	name  string
	store interface{ Init(context.Context) error }
}

// migrations lists the stores in the order their schemas must apply.
func (s *stores) migrations() []migration {
	return []migration{
		{"tenants", s.tenants},
		{"vendors", s.vendors},
		{"users", s.users},
		{"sessions", s.sessions},
		{"cases", s.cases},
		{"checklist", s.steps},
		{"thread", s.messages},
		{"evidence", s.evidence},
		{"invoices", s.invoices},
		{"soa", s.soa},
		{"notifications", s.inbox},
	}
}

func (s *stores) init(ctx context.Context) error {
	for _, m := range s.migrations() {
		if err := m.store.Init(ctx); err != nil {
			return fmt.Errorf("init %s store: %w", m.name, err)
		}
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// runServe wires the portal: database, stores, blob store, rate limiter,
// domain services, telemetry, the SLA ticker, and finally the HTTP server.
// It blocks until SIGINT/SIGTERM and then drains in-flight requests.
func runServe() int {
	fmt.Fprintf(os.Stdout, "%sVMP portal starting...%s\n", ColorBold+ColorBlue, ColorReset)

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.SessionCookieSecret == "" {
		logger.Error("SESSION_COOKIE_SECRET is required")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("postgres connected")

	st := newStores(db)
	if err := st.init(ctx); err != nil {
		logger.Error("schema migration failed", "error", err)
		return 1
	}
	logger.Info("schema ready", "stores", len(st.migrations()))

	policy := config.DefaultPolicy()
	if cfg.PolicyProfilePath != "" {
		policy, err = config.LoadPolicy(cfg.PolicyProfilePath)
		if err != nil {
			logger.Error("policy profile rejected", "path", cfg.PolicyProfilePath, "error", err)
			return 1
		}
	}
	logger.Info("policy profile loaded", "version", policy.Version)

	// The fs store is built directly so the portal can serve /blob reads
	// and verify their tokens; s3 and gcs presign against the bucket and
	// need neither.
	var (
		blobs      objstore.BlobStore
		blobSource portal.BlobSource
		blobTokens portal.BlobTokenVerifier
	)
	if cfg.EvidenceStoreType == "" || cfg.EvidenceStoreType == "fs" {
		signer, serr := objstore.NewURLSigner(cfg.BlobSigningKey, cfg.PublicBaseURL)
		if serr != nil {
			logger.Error("blob url signer init failed", "error", serr)
			return 1
		}
		fsStore, ferr := objstore.NewFSStore(filepath.Join(cfg.DataDir, "evidence"), signer)
		if ferr != nil {
			logger.Error("fs blob store init failed", "error", ferr)
			return 1
		}
		blobs = fsStore
		blobSource = fsStore
		blobTokens = signer
	} else {
		blobs, err = objstore.New(ctx, objstore.Options{
			Type:     cfg.EvidenceStoreType,
			Bucket:   cfg.EvidenceBucket,
			Region:   cfg.EvidenceRegion,
			Endpoint: cfg.EvidenceEndpoint,
			Prefix:   cfg.EvidencePrefix,
		})
		if err != nil {
			logger.Error("blob store init failed", "type", cfg.EvidenceStoreType, "error", err)
			return 1
		}
	}
	logger.Info("evidence store ready", "type", cfg.EvidenceStoreType)

	var rateStore ratelimit.Store
	if cfg.RedisAddr != "" {
		rateStore = ratelimit.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		logger.Info("rate limiter ready", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		rateStore = ratelimit.NewInMemoryStore()
		logger.Info("rate limiter ready", "backend", "in-process")
	}

	notifier := notify.NewNotifier(st.inbox, st.users, cfg.NotifySinkURL, logger)

	registry := cases.NewRegistry(db, cases.Deps{
		Cases:     st.cases,
		Steps:     st.steps,
		Messages:  st.messages,
		Vendors:   st.vendors,
		Companies: st.tenants,
		Notifier:  notifier,
		Policy:    policy,
		Logger:    logger,
	})

	vault := evidence.NewVault(evidence.Deps{
		Store:    st.evidence,
		Blobs:    blobs,
		Steps:    st.steps,
		Cases:    registry,
		Messages: st.messages,
		Notifier: notifier,
		Policy:   policy,
		Logger:   logger,
	})

	recon := soa.NewService(soa.Deps{
		Store:    st.soa,
		Invoices: st.invoices,
		Cases:    registry,
		Vault:    vault,
		Messages: st.messages,
		Notifier: notifier,
		Policy:   policy,
		Logger:   logger,
	})

	ledger := invoices.NewLedger(invoices.Deps{
		Store:     st.invoices,
		Vendors:   st.vendors,
		Companies: st.tenants,
		Logger:    logger,
	})

	authn := identity.NewAuthenticator(st.users, st.sessions, []byte(cfg.SessionCookieSecret), cfg.SessionTTL)

	// Telemetry is constructed even when export is off: the SLO tracker
	// behind GET /ops/slo accumulates either way, spans just become no-ops.
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.OTelEnabled
	telemetry, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}

	ticker := notify.NewTicker(registry, notifier, cfg.SLATickInterval, logger,
		notify.WithSweepObserver(func(ctx context.Context, name string) (context.Context, func(error)) {
			return telemetry.TrackOperation(ctx, name)
		}))
	go ticker.Run(ctx)
	logger.Info("sla ticker running", "interval", cfg.SLATickInterval.String())

	srv := portal.NewServer(portal.Deps{
		Sessions:   authn,
		Verifier:   authn,
		Cases:      registry,
		Evidence:   vault,
		Statements: recon,
		Invoices:   ledger,
		Inbox:      st.inbox,

		Messages:  st.messages,
		Artifacts: st.evidence,
		Issues:    st.soa,

		Blobs:      blobSource,
		BlobTokens: blobTokens,

		DB:        db,
		Policy:    policy,
		RateStore: rateStore,
		Telemetry: telemetry,

		CookieTTL:    cfg.SessionTTL,
		CookieSecure: cfg.SessionCookieSecure,
		CORSOrigins:  cfg.CORSOrigins,
		Version:      version,

		Logger: logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(":" + cfg.Port) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("portal server failed", "error", err)
			return 1
		}
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	cancel() // stops the SLA ticker

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("portal shutdown incomplete", "error", err)
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown incomplete", "error", err)
	}
	return 0
}

// runHealthCmd probes a locally running portal over HTTP.
func runHealthCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	resp, err := http.Get("http://localhost:" + cfg.Port + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n%s\n", resp.StatusCode, body)
		return 1
	}
	fmt.Fprintf(stdout, "%s\n", body)
	return 0
}
