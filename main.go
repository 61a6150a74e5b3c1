package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chinotype/adapters/api"
	"chinotype/adapters/chi2http"
	"chinotype/adapters/hive"
	"chinotype/adapters/postgres"
	"chinotype/app"
	"chinotype/internal/config"
	"chinotype/internal/controller"
	"chinotype/internal/errors"
	"chinotype/internal/logging"
	"chinotype/internal/migration"
	"chinotype/ports"
	"chinotype/ui"
)

// initDatabase connects to the fact store and brings the chi tables up to date
func initDatabase(ctx context.Context, appConfig *config.Config) (*sqlx.DB, error) {
	if appConfig.Database.URL == "" {
		return nil, errors.ConfigInvalid("DATABASE_URL is required")
	}

	db, err := sqlx.Connect("postgres", appConfig.Database.URL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	migrator := migration.NewRunner()
	if err := migrator.Run(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "database migration failed")
	}

	return db, nil
}

// newAccountChecker prefers the PM cell and falls back to static accounts
func newAccountChecker(appConfig *config.Config, log *zerolog.Logger) ports.AccountChecker {
	if appConfig.Hive.PMURL != "" {
		return hive.NewAccountCheck(appConfig.Hive.PMURL, appConfig.Hive.Domain, appConfig.Hive.Timeout, log)
	}
	log.Warn().Msg("HIVE_PM_URL not set, checking credentials against BACKEND_ACCOUNTS")
	return hive.StaticAccounts(appConfig.Backend.Accounts)
}

// serveBackend runs the chi2 backend until ctx is done
func serveBackend(ctx context.Context, appConfig *config.Config, log *zerolog.Logger) error {
	db, err := initDatabase(ctx, appConfig)
	if err != nil {
		return err
	}
	defer db.Close()

	requests, err := api.NewRequestLogger(appConfig.Backend.RequestLogDir)
	if err != nil {
		return err
	}

	store := postgres.NewCohortStore(db, appConfig.Database.Schema)
	service := app.NewChi2Service(store, int(appConfig.Backend.MaxJobs), log)
	handler := api.NewHandler(service, newAccountChecker(appConfig, log), requests, log)

	srv := &http.Server{
		Addr:              ":" + appConfig.Backend.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("starting chi2 backend")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func main() {
	// Load environment variables from .env file
	envErr := godotenv.Load()

	appConfig, err := config.Load()
	if err != nil {
		logging.New(config.LogConfig{Level: "info"}).Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logging.New(appConfig.Log)
	if envErr != nil {
		log.Debug().Msg("no .env file found, using system environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := chi2http.New(chi2http.Config{
		URL:     appConfig.Plugin.BackendURL,
		Timeout: appConfig.Plugin.BackendTimeout,
		RPS:     appConfig.Plugin.BackendRPS,
	}, log)

	server, err := ui.NewServer(ui.Options{
		Backend: backend,
		Session: ports.StaticSession{Username: appConfig.Plugin.Username, Secret: appConfig.Plugin.Password},
		Defaults: controller.Defaults{
			PageSize: appConfig.Plugin.DefaultPgSize,
			Cutoff:   appConfig.Plugin.DefaultCutoff,
		},
		GinMode: appConfig.Server.GinMode,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize plugin server")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, ":"+appConfig.Server.Port)
	})
	if appConfig.Backend.Enabled {
		g.Go(func() error {
			return serveBackend(gctx, appConfig, log)
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("shut down cleanly")
}
