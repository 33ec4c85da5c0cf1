package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/veil/params"
	"github.com/uhyunpark/veil/pkg/api"
	"github.com/uhyunpark/veil/pkg/archive"
	"github.com/uhyunpark/veil/pkg/crypto"
	"github.com/uhyunpark/veil/pkg/engine"
	"github.com/uhyunpark/veil/pkg/events"
	"github.com/uhyunpark/veil/pkg/ledger"
	"github.com/uhyunpark/veil/pkg/round"
	"github.com/uhyunpark/veil/pkg/settlement"
	"github.com/uhyunpark/veil/pkg/storage"
	"github.com/uhyunpark/veil/pkg/timelock"
	"github.com/uhyunpark/veil/pkg/util"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file (optional)")
	envPath := flag.String("env", "", "path to .env file (default: ./.env if present)")
	flag.Parse()

	cfg, err := params.Load(*configPath, *envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Errorw("node_failed", "err", err)
		os.Exit(1)
	}
	sugar.Infow("node_stopped")
}

// node holds everything that must be closed on shutdown.
type node struct {
	closers []func()
}

func (n *node) onClose(f func()) { n.closers = append(n.closers, f) }

func (n *node) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	n := &node{}
	defer n.close()

	// ---- Storage ----
	var (
		store   engine.Store
		journal ledger.Journal = storage.NewNopWAL()
	)
	if cfg.Node.InMemory {
		store = storage.NewMemoryStore()
		sugar.Infow("storage_in_memory")
	} else {
		pebbleStore, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "state"))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		n.onClose(func() { pebbleStore.Close() })
		store = pebbleStore

		wal, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "orders.wal"))
		if err != nil {
			return fmt.Errorf("open wal: %w", err)
		}
		n.onClose(func() { wal.Close() })
		journal = wal
		sugar.Infow("storage_opened", "data_dir", cfg.Node.DataDir)
	}

	// ---- Keys ----
	scheme, err := timelockScheme(cfg.Keys.TimelockSeed, sugar)
	if err != nil {
		return err
	}

	var (
		attester       round.Attester
		attestationKey string
	)
	if cfg.Keys.AttestationSeed != "" {
		seed, err := hex.DecodeString(strings.TrimPrefix(cfg.Keys.AttestationSeed, "0x"))
		if err != nil {
			return fmt.Errorf("attestation seed: %w", err)
		}
		bls, err := crypto.NewBLSSignerFromSeed(seed)
		if err != nil {
			return err
		}
		if attestationKey, err = bls.PubkeyHex(); err != nil {
			return err
		}
		attester = bls
		sugar.Infow("attestation_enabled", "pubkey", attestationKey)
	}

	// ---- Optional sinks ----
	var sinks []settlement.Sink
	if cfg.Postgres.DSN != "" {
		pg, err := settlement.NewPostgresSink(ctx, settlement.PostgresConfig{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
		})
		if err != nil {
			return err
		}
		n.onClose(pg.Close)
		sinks = append(sinks, pg)
		sugar.Infow("settlement_postgres_enabled")
	}

	hub := api.NewHub(sugar)
	publishers := events.Multi{hub}
	if cfg.Redis.Addr != "" {
		rp, err := events.NewRedisPublisher(ctx, events.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Prefix:     cfg.Redis.Prefix,
		})
		if err != nil {
			return err
		}
		n.onClose(func() { rp.Close() })
		publishers = append(publishers, rp)
		sugar.Infow("events_redis_enabled", "addr", cfg.Redis.Addr)
	}

	var (
		observers []round.Observer
		archiver  *archive.S3Archiver
	)
	if cfg.S3.Bucket != "" {
		archiver, err = archive.NewS3Archiver(ctx, archive.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		}, sugar)
		if err != nil {
			return err
		}
		observers = append(observers, archiver)
		sugar.Infow("archive_s3_enabled", "bucket", cfg.S3.Bucket)
	}

	// ---- Engine ----
	eng, err := engine.New(engine.Config{
		Duration:     cfg.Auction.RoundDuration.Duration,
		TickInterval: cfg.Auction.TickInterval.Duration,
		RestartDelay: cfg.Auction.RestartDelay.Duration,
		AutoStart:    cfg.Auction.AutoStart,
		Scheme:       scheme,
		Store:        store,
		Journal:      journal,
		Limits: ledger.Limits{
			MaxAmount:     cfg.Auction.MaxAmount,
			MaxPriceLimit: cfg.Auction.MaxPriceLimit,
			MaxPayload:    cfg.Auction.MaxPayload,
		},
		Attester:        attester,
		SettlementSinks: sinks,
		Observers:       observers,
		Publisher:       publishers,
		Clock:           util.RealClock{},
		Logger:          sugar,
	})
	if err != nil {
		return err
	}
	if err := eng.Restore(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	domain := crypto.DefaultDomain()
	domain.ChainID = big.NewInt(cfg.Keys.ChainID)
	server := api.NewServer(eng, hub, api.Options{
		AdminToken:     cfg.API.AdminToken,
		CORSOrigins:    cfg.API.CORSOrigins,
		Domain:         domain,
		AttestationKey: attestationKey,
		Logger:         sugar,
	})
	if cfg.API.AdminToken == "" {
		sugar.Warnw("admin_api_disabled", "reason", "no admin token configured")
	}

	sugar.Infow("node_starting",
		"round_duration", cfg.Auction.RoundDuration.Duration,
		"restart_delay", cfg.Auction.RestartDelay.Duration,
		"auto_start", cfg.Auction.AutoStart,
		"api_addr", cfg.API.Addr,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	if archiver != nil {
		g.Go(func() error { return archiver.Run(ctx) })
	}
	g.Go(func() error {
		err := server.Start(ctx, cfg.API.Addr)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func timelockScheme(seedHex string, sugar *zap.SugaredLogger) (*timelock.IBE, error) {
	if seedHex == "" {
		sugar.Warnw("timelock_seed_missing", "effect", "random master key, orders sealed before a restart cannot be revealed")
		return timelock.NewRandomIBE()
	}
	seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("timelock seed: %w", err)
	}
	return timelock.NewIBE(seed)
}
