package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/pulsefit/billing/modules/subscription"
	"github.com/pulsefit/billing/pkg/billing"
	"github.com/pulsefit/billing/pkg/config"
	"github.com/pulsefit/billing/pkg/httpserver"
	"github.com/pulsefit/billing/pkg/jwt"
	"github.com/pulsefit/billing/pkg/logger"
	"github.com/pulsefit/billing/pkg/pg"
)

type appConfig struct {
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	LogLevel  slog.Level    `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat logger.Format `env:"LOG_FORMAT" envDefault:"json"`

	JWTSigningKey string `env:"JWT_SIGNING_KEY,required"`

	// CatalogFile optionally replaces the env-based plan catalog with a
	// YAML file.
	CatalogFile string `env:"CATALOG_FILE"`

	PG      pg.Config
	Stripe  billing.StripeConfig
	Catalog billing.CatalogConfig
	Sweeper billing.SweeperConfig
}

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.New(
		logger.WithLevel(cfg.LogLevel),
		logger.WithFormat(cfg.LogFormat),
		logger.WithService("billing", cfg.AppEnv),
	)

	if err := run(context.Background(), cfg, log); err != nil {
		log.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	pool, err := pg.Connect(ctx, cfg.PG)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, cfg.PG, log); err != nil {
		return err
	}

	gateway := billing.NewStripeGateway(cfg.Stripe)

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	// Every plan's provider price must resolve before we sell it.
	if err := catalog.Validate(ctx, gateway); err != nil {
		return err
	}

	store := billing.NewPgStore(pool)
	svc := billing.NewService(store, gateway, catalog,
		billing.WithLogger(log),
		billing.WithProviderTimeout(cfg.Stripe.CallTimeout()))
	projector := billing.NewProjector(store, catalog)
	reconciler := billing.NewReconciler(store, catalog,
		billing.WithReconcilerLogger(log))

	sweeper, err := billing.NewSweeper(store, store, cfg.Sweeper,
		billing.WithSweeperLogger(log))
	if err != nil {
		return err
	}

	auth, err := jwt.New([]byte(cfg.JWTSigningKey))
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", httpserver.HealthHandler(pg.Healthcheck(pool)))
	r.Mount("/", subscription.Router(subscription.RouterOptions{
		Handler: subscription.NewHandler(svc, projector, log),
		Webhook: subscription.NewWebhookHandler(gateway, reconciler, log),
		Auth:    auth,
	}))

	server := httpserver.New(
		httpserver.WithAddr(cfg.HTTPAddr),
		httpserver.WithLogger(log),
		httpserver.WithReadTimeout(10*time.Second),
		httpserver.WithWriteTimeout(30*time.Second),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx, r) })
	g.Go(func() error {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func loadCatalog(cfg appConfig) (*billing.Catalog, error) {
	if cfg.CatalogFile != "" {
		return billing.LoadCatalogFile(cfg.CatalogFile)
	}
	return billing.CatalogFromEnv(cfg.Catalog)
}
