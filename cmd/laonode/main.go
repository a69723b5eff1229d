package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/popstellar/laocore/internal/config"
	"github.com/popstellar/laocore/internal/domain/consensus"
	"github.com/popstellar/laocore/internal/domain/lao"
	"github.com/popstellar/laocore/internal/infrastructure/bolt"
	"github.com/popstellar/laocore/internal/infrastructure/keystore"
	"github.com/popstellar/laocore/internal/infrastructure/memory"
	"github.com/popstellar/laocore/internal/infrastructure/metrics"
	"github.com/popstellar/laocore/internal/infrastructure/postgres"
	"github.com/popstellar/laocore/internal/infrastructure/sse"
	p2papi "github.com/popstellar/laocore/internal/p2p/api"
	"github.com/popstellar/laocore/internal/p2p/backlog"
	"github.com/popstellar/laocore/internal/p2p/node"
	"github.com/popstellar/laocore/internal/p2p/protocol"
	"github.com/popstellar/laocore/internal/p2p/state"
)

type repositories struct {
	laos      lao.Repository
	messages  lao.MessageRepository
	instances consensus.Repository
	close     func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key, err := keystore.Load(keystore.Source{Seed: cfg.SigningSeed, File: cfg.KeyFile, Passphrase: cfg.KeyPassphrase})
	if errors.Is(err, keystore.ErrNoKey) {
		key, err = protocol.GenerateKeyPair()
		logger.Warn().Msg("no signing key configured, using an ephemeral key")
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("load signing key")
	}

	repos, err := openRepositories(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.Store).Msg("open store")
	}
	defer repos.close()

	var policy *state.CommitPolicy
	if cfg.CommitPolicy != "" {
		policy, err = state.NewCommitPolicy(cfg.CommitPolicy)
		if err != nil {
			logger.Fatal().Err(err).Msg("commit policy")
		}
	}
	machine := state.NewMachine(repos.laos, repos.messages, repos.instances, policy, logger)

	collector := metrics.New()
	bl, err := backlog.New(cfg.BacklogSize, cfg.BacklogTTL, logger, backlog.WithDropHook(func(_ backlog.Entry, cause backlog.Cause) {
		// expiries are counted by the node retry loop
		if cause == backlog.CauseEvicted {
			collector.BacklogDropped(string(cause))
		}
	}))
	if err != nil {
		logger.Fatal().Err(err).Msg("create backlog")
	}

	channels := []protocol.Channel{protocol.RootChannel}
	for _, id := range cfg.Laos {
		channels = append(channels, protocol.LaoChannel(id), protocol.ConsensusChannel(id))
	}

	hub := sse.NewHub()
	broker := memory.NewBroker()
	n, err := node.New(node.Config{
		NodeID:        cfg.NodeID,
		Channels:      channels,
		RetryInterval: cfg.RetryInterval,
		RetryRate:     cfg.RetryRate,
		RetryBurst:    cfg.RetryBurst,
	}, key, machine, broker, bl, logger, node.WithEvents(hub), node.WithMetrics(collector))
	if err != nil {
		logger.Fatal().Err(err).Msg("create node")
	}

	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	apiServer := p2papi.NewServer(n, hub, collector.Handler(), logger)
	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.ServerAddr).
			Str("node_id", cfg.NodeID).
			Str("public_key", key.PublicKey()).
			Str("store", cfg.Store).
			Int("channels", len(channels)).
			Msg("lao node listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil {
			logger.Error().Err(err).Msg("node stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Stop()
	_ = httpServer.Shutdown(shutdownCtx)
	n.Stop()
	broker.Close()
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func openRepositories(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*repositories, error) {
	switch cfg.Store {
	case config.StoreBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.BoltPath), 0o755); err != nil {
			return nil, err
		}
		store, err := bolt.Open(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.BoltPath).Msg("bolt store opened")
		return &repositories{
			laos:      store.Laos(),
			messages:  store.Messages(),
			instances: store.Instances(),
			close:     func() { _ = store.Close() },
		}, nil
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			pool.Close()
			return nil, err
		}
		return &repositories{
			laos:      postgres.NewLaoRepository(pool),
			messages:  postgres.NewMessageRepository(pool),
			instances: postgres.NewInstanceRepository(pool),
			close:     pool.Close,
		}, nil
	default:
		store := memory.NewStore()
		return &repositories{
			laos:      store.Laos(),
			messages:  store.Messages(),
			instances: store.Instances(),
			close:     func() {},
		}, nil
	}
}
