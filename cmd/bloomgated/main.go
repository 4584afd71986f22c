package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bloomgate/chainview"
	"bloomgate/config"
	"bloomgate/crypto"
	"bloomgate/grant"
	"bloomgate/identity"
	"bloomgate/ledger"
	"bloomgate/observability"
	"bloomgate/observability/logging"
	"bloomgate/server"
	"bloomgate/service"
	"bloomgate/tipbot"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bloomgated: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to bloomgated configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(os.Getenv("BLOOMGATE_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("bloomgated", env)

	key, err := loadSignerKey(cfg.Signer)
	if err != nil {
		return fmt.Errorf("load signer key: %w", err)
	}
	signer, err := grant.NewSigner(key)
	if err != nil {
		return fmt.Errorf("init signer: %w", err)
	}
	logger.Info("signer loaded", slog.String("address", signer.Address().Hex()))

	ethClient, err := chainview.Dial(cfg.Chain.Endpoint)
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer ethClient.Close()
	chain, err := chainview.NewClient(ethClient, cfg.Chain.VerifierAddress(), cfg.Chain.CallTimeout.Duration)
	if err != nil {
		return fmt.Errorf("init chain client: %w", err)
	}

	directory, err := identity.NewClient(identity.Config{
		BaseURL:  cfg.Directory.BaseURL,
		APIKey:   cfg.Directory.APIKey,
		Timeout:  cfg.Directory.HTTPTimeout.Duration,
		CacheTTL: cfg.Directory.CacheTTL.Duration,
		RPS:      cfg.Directory.RatePerSec,
	})
	if err != nil {
		return fmt.Errorf("init directory client: %w", err)
	}

	store, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = store.Close() }()

	metrics := observability.Gateway()
	parser := tipbot.New(tipbot.Config{
		Keyword: cfg.Parser.Keyword,
		Sigil:   cfg.Parser.Sigil,
		Emoji:   cfg.Parser.Emoji,
		Minimum: cfg.Parser.MinimumAmount,
	})

	authorizer, err := service.New(parser, directory, chain, store, signer, metrics, logger, service.Config{
		ChainID:     cfg.Chain.ChainID,
		Verifier:    cfg.Chain.VerifierAddress(),
		GrantTTL:    cfg.Grants.TTL.Duration,
		ClaimWindow: cfg.Grants.ClaimWindow.Duration,
		DailyReward: cfg.Grants.DailyReward,
	})
	if err != nil {
		return fmt.Errorf("init authorizer: %w", err)
	}

	srv, err := server.New(authorizer, store, metrics, logger, server.Config{
		APIKeys:       cfg.API.Keys,
		TimestampSkew: cfg.API.TimestampSkew.Duration,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepExpired(stopCtx, store, cfg.Grants.SweepInterval.Duration, logger)

	errs := make(chan error, 1)
	go func() {
		logger.Info("bloomgated listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// loadSignerKey resolves the signing key from the configured source. The key
// material itself must never be logged.
func loadSignerKey(cfg config.SignerConfig) (*crypto.PrivateKey, error) {
	if cfg.Key != "" {
		return crypto.PrivateKeyFromHex(cfg.Key)
	}
	if cfg.KeystorePath != "" {
		passphrase := os.Getenv(cfg.KeystorePassphrase)
		if passphrase == "" {
			return nil, fmt.Errorf("keystore passphrase env %s is empty", cfg.KeystorePassphrase)
		}
		return crypto.LoadFromKeystore(cfg.KeystorePath, passphrase)
	}
	return nil, fmt.Errorf("no signer key source configured")
}

// sweepExpired marks grants past their deadline so the ledger's live view
// stays small. Failures are logged and retried on the next tick.
func sweepExpired(ctx context.Context, store *ledger.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			expired, err := store.ExpireStale(sweepCtx, now)
			cancel()
			if err != nil {
				logger.Warn("expiry sweep failed", slog.String("error", err.Error()))
				continue
			}
			if expired > 0 {
				logger.Info("expired stale grants", slog.Int64("count", expired))
			}
		}
	}
}
