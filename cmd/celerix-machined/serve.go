package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-machines/internal/api"
	"github.com/celerix-dev/celerix-machines/internal/config"
	"github.com/celerix-dev/celerix-machines/internal/driver"
	"github.com/celerix-dev/celerix-machines/internal/events"
	"github.com/celerix-dev/celerix-machines/internal/machines"
	"github.com/celerix-dev/celerix-machines/internal/metrics"
	"github.com/celerix-dev/celerix-machines/internal/store"
	"github.com/celerix-dev/celerix-machines/internal/vault"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the machines API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending store migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()
		return env.migrate(cmd.Context())
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed <file>",
	Short: "Load users, tokens, identities, projects and images from a YAML seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()
		return env.seed(cmd.Context(), args[0])
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String("addr", "", "HTTP listen address")
	flags.Bool("tls", false, "serve HTTPS with a self-signed certificate")
	flags.String("seed", "", "seed file applied before serving")
	v.BindPFlag("http.addr", flags.Lookup("addr"))
	v.BindPFlag("http.tls", flags.Lookup("tls"))
	v.BindPFlag("seed.file", flags.Lookup("seed"))
}

// daemon holds the long-lived pieces shared by every subcommand.
type daemon struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *store.BadgerStore
	catalog   *driver.Catalog
	masterKey []byte
}

func setup() (*daemon, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	log, err := cfg.Logger()
	if err != nil {
		return nil, err
	}

	var masterKey []byte
	if cfg.VaultKey != "" {
		if masterKey, err = vault.ParseKey(cfg.VaultKey); err != nil {
			return nil, fmt.Errorf("vault.key: %w", err)
		}
	} else {
		log.Warn("no vault key configured; identities with credentials cannot open driver sessions")
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.DataDir, err)
	}

	persister, err := driver.NewPersistence(cfg.DriverDir, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize image persistence: %w", err)
	}
	initial, err := persister.LoadAll()
	if err != nil {
		log.Warn("could not load existing images", zap.Error(err))
	}
	catalog := driver.NewCatalog(initial, persister, log)
	log.Info("image catalog loaded", zap.Int("providers", len(initial)))

	return &daemon{cfg: cfg, log: log, store: st, catalog: catalog, masterKey: masterKey}, nil
}

func (d *daemon) close() {
	d.catalog.Wait()
	if err := d.store.Close(); err != nil {
		d.log.Error("failed to close store", zap.Error(err))
	}
	_ = d.log.Sync()
}

func (d *daemon) migrate(ctx context.Context) error {
	applied, err := d.store.Migrate(ctx, d.log)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		d.log.Info("store schema is up to date")
	}
	return nil
}

func (d *daemon) seed(ctx context.Context, path string) error {
	seed, err := store.LoadSeed(path)
	if err != nil {
		return err
	}
	if err := seed.SealCredentials(d.masterKey); err != nil {
		return err
	}
	if err := d.store.ApplySeed(ctx, seed); err != nil {
		return fmt.Errorf("failed to apply seed: %w", err)
	}

	images := 0
	for providerID, list := range seed.Images {
		d.catalog.AddProvider(providerID)
		for _, m := range list {
			d.catalog.Put(providerID, m)
			images++
		}
	}
	d.log.Info("seed applied",
		zap.String("file", path),
		zap.Int("users", len(seed.Users)),
		zap.Int("identities", len(seed.Identities)),
		zap.Int("images", images))
	return nil
}

func setupTracing(ctx context.Context) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", "celerix-machined")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	d, err := setup()
	if err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.migrate(ctx); err != nil {
		return err
	}
	if d.cfg.SeedFile != "" {
		if err := d.seed(ctx, d.cfg.SeedFile); err != nil {
			return err
		}
	}

	if d.cfg.TraceEnabled {
		shutdown, err := setupTracing(ctx)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	opts := []machines.Option{}
	if d.cfg.NATSURL != "" {
		pub, err := events.Connect(d.cfg.NATSURL, d.log)
		if err != nil {
			return fmt.Errorf("failed to connect to nats at %s: %w", d.cfg.NATSURL, err)
		}
		defer pub.Close()
		opts = append(opts, machines.WithNotifier(pub))
		d.log.Info("publishing machine events", zap.String("subject", events.Subject))
	}

	factory := driver.NewFactory(d.catalog, d.masterKey, d.log)
	if !d.cfg.LogDev {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(&api.Handler{
		Machines: machines.NewService(factory, d.store, d.log, opts...),
		Store:    d.store,
		Metrics:  metrics.New(func() float64 { return float64(factory.OpenSessions()) }),
		Log:      d.log,
	})

	srv := &http.Server{
		Addr:              d.cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if d.cfg.TLS {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			return fmt.Errorf("failed to generate TLS certificate: %w", err)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		d.log.Info("machines API listening", zap.String("addr", d.cfg.HTTPAddr), zap.Bool("tls", d.cfg.TLS))
		var err error
		if d.cfg.TLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	d.log.Info("shutdown signal received, finalizing disk writes")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.log.Error("graceful shutdown failed", zap.Error(err))
	}
	return nil
}
