// Command replay-vault runs the cache-first video content vault: a durable
// byte store with TTL/LRU/quota eviction, corruption self-healing, a
// loading orchestrator, and Arkiv metadata reconciliation, exposed over a
// local HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/replaylabs/replay-vault/arkiv"
	"github.com/replaylabs/replay-vault/backend"
	"github.com/replaylabs/replay-vault/credentials"
	"github.com/replaylabs/replay-vault/crypt"
	"github.com/replaylabs/replay-vault/errlog"
	"github.com/replaylabs/replay-vault/expiry"
	"github.com/replaylabs/replay-vault/loader"
	"github.com/replaylabs/replay-vault/origin"
	"github.com/replaylabs/replay-vault/server"
	"github.com/replaylabs/replay-vault/store"
	"github.com/replaylabs/replay-vault/store/metadb"
	"github.com/replaylabs/replay-vault/telemetry"
	"github.com/replaylabs/replay-vault/verify"
)

var version = "dev"

type cli struct {
	Listen  string `help:"Address to listen on." default:":8080"`
	Storage string `help:"Storage directory path." default:"./vault" type:"path"`

	Origin           string `help:"Content origin base URL." default:"http://localhost:9090"`
	ContentOrigin    string `help:"Key origin segment for cached entries." default:"replay"`
	ContentNamespace string `help:"Key namespace segment for cached entries." default:"clips"`
	CredentialsFile  string `help:"Path to a credentials template file." type:"path"`

	Quota      int64         `help:"Storage quota in bytes. Zero disables the quota." default:"2147483648"`
	DefaultTTL time.Duration `help:"Default entry TTL." default:"168h"`
	MaxEntries int           `help:"Maximum number of cached entries." default:"50"`
	SweepEvery time.Duration `help:"Background sweep interval." default:"1h"`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export. Empty disables OTLP." name:"otlp-endpoint"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("replay-vault"),
		kong.Description("Cache-first video content vault."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsShutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "replay-vault",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsShutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	creds := &credentials.Credentials{}
	if flags.CredentialsFile != "" {
		resolver := credentials.NewResolver(credentials.WithLogger(logger))
		creds, err = resolver.ResolveFile(ctx, flags.CredentialsFile)
		if err != nil {
			return fmt.Errorf("resolving credentials: %w", err)
		}
	}

	// Storage stack: framed files on disk, bbolt metadata, eviction engine.
	fs, err := backend.NewFilesystem(flags.Storage)
	if err != nil {
		return fmt.Errorf("creating filesystem backend: %w", err)
	}
	instrumented := backend.NewInstrumentedBackend(fs, "filesystem")

	db := metadb.NewBolt(metadb.WithLogger(logger.With("component", "metadb")))
	if err := db.Open(filepath.Join(flags.Storage, "meta.db")); err != nil {
		return fmt.Errorf("opening metadata database: %w", err)
	}
	defer func() { _ = db.Close() }()

	cacheErrors := errlog.New(errlog.WithLogger(logger.With("component", "errlog")))

	storeCfg := store.DefaultConfig()
	storeCfg.QuotaBytes = flags.Quota
	storeCfg.DefaultTTL = flags.DefaultTTL
	byteStore := store.New(instrumented, db, cacheErrors, storeCfg,
		store.WithLogger(logger.With("component", "store")))

	expiryCfg := expiry.DefaultConfig()
	expiryCfg.DefaultTTL = flags.DefaultTTL
	expiryCfg.MaxEntries = flags.MaxEntries
	expiryCfg.SweepInterval = flags.SweepEvery
	engine := expiry.New(byteStore, db, expiryCfg,
		expiry.WithLogger(logger.With("component", "expiry")))
	byteStore.SetEvictor(engine)

	verifier := verify.New(byteStore, cacheErrors, verify.DefaultConfig(),
		verify.WithLogger(logger.With("component", "verify")))

	reconciler := arkiv.New(db, arkiv.WithLogger(logger.With("component", "arkiv")))

	// Collaborators for the loading orchestrator.
	originURL := flags.Origin
	originToken := ""
	if creds.Origin != nil {
		if creds.Origin.BaseURL != "" {
			originURL = creds.Origin.BaseURL
		}
		originToken = creds.Origin.Token
	}
	fetcher, err := origin.New(originURL,
		origin.WithBearerToken(originToken),
		origin.WithLogger(logger.With("component", "origin")))
	if err != nil {
		return fmt.Errorf("creating origin client: %w", err)
	}

	masterKey, err := creds.MasterKeyBytes()
	if err != nil {
		return err
	}
	var idDecryptor loader.IdentifierDecryptor
	if len(masterKey) > 0 {
		box, err := crypt.NewIdentifierBox(masterKey)
		if err != nil {
			return fmt.Errorf("building identifier decryptor: %w", err)
		}
		idDecryptor = box
	}

	orch := loader.New(
		loader.Deps{
			Verifier: verifier,
			Store:    byteStore,
			LRU:      engine,
			Records:  reconciler,
		},
		loader.Collaborators{
			IdentifierDecryptor: idDecryptor,
			Fetcher:             fetcher,
			Authenticator:       keyAuthenticator{key: masterKey},
			Decryptor:           crypt.NewContentDecryptor(),
		},
		flags.ContentOrigin, flags.ContentNamespace,
		loader.WithLogger(logger.With("component", "loader")),
	)

	runner := expiry.NewRunner(engine, logger.With("component", "sweeper"))

	srv, err := server.New(server.Config{
		Address:   flags.Listen,
		AuthToken: creds.APIToken,
		Logger:    logger.With("component", "server"),
	}, server.Components{
		Store:      byteStore,
		Verifier:   verifier,
		Engine:     engine,
		Runner:     runner,
		Reconciler: reconciler,
		Loader:     orch,
		Errors:     cacheErrors,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("vault started",
		"address", srv.Address(),
		"storage", flags.Storage,
		"quota_bytes", flags.Quota,
		"default_ttl", flags.DefaultTTL.String(),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// keyAuthenticator derives per-video key material from the master secret.
// Stands in for the remote key service the origin deployment provides.
type keyAuthenticator struct {
	key []byte
}

func (a keyAuthenticator) Authenticate(_ context.Context, videoID string) ([]byte, error) {
	if len(a.key) == 0 {
		return nil, fmt.Errorf("authenticating %s: no key material configured", videoID)
	}
	material := make([]byte, 0, len(a.key)+len(videoID))
	material = append(material, a.key...)
	material = append(material, videoID...)
	return material, nil
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
