package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/chatstream-go/auth"
	"github.com/ggoodman/chatstream-go/broker"
	brokermem "github.com/ggoodman/chatstream-go/broker/memory"
	brokerredis "github.com/ggoodman/chatstream-go/broker/redis"
	"github.com/ggoodman/chatstream-go/catalog"
	"github.com/ggoodman/chatstream-go/chat"
	"github.com/ggoodman/chatstream-go/connections"
	"github.com/ggoodman/chatstream-go/gate"
	"github.com/ggoodman/chatstream-go/internal/config"
	"github.com/ggoodman/chatstream-go/internal/metrics"
	"github.com/ggoodman/chatstream-go/relay"
	relayredis "github.com/ggoodman/chatstream-go/relay/redis"
	"github.com/ggoodman/chatstream-go/sessions"
	"github.com/ggoodman/chatstream-go/storage"
	storagemem "github.com/ggoodman/chatstream-go/storage/memory"
	storageredis "github.com/ggoodman/chatstream-go/storage/redis"
	"github.com/ggoodman/chatstream-go/streaminghttp"
	"github.com/ggoodman/chatstream-go/transcripts/gormstore"
	"github.com/ggoodman/chatstream-go/upstream"
	"github.com/ggoodman/chatstream-go/worker"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// backend is the shared state every process role needs: the key/value store,
// the request queue and, when processes are split, the cross-process relay.
type backend struct {
	store  storage.Store
	broker broker.Broker

	// Nil for the memory backend.
	client redis.UniversalClient
	prefix string

	closers []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case "memory":
		store := storagemem.New()
		q := brokermem.New(brokermem.WithLogger(log))
		return &backend{
			store:   store,
			broker:  q,
			closers: []func() error{store.Close, q.Close},
		}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		store, err := storageredis.New(storageredis.Config{Client: client, KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		q, err := brokerredis.New(brokerredis.Config{
			Client:    client,
			KeyPrefix: cfg.RedisKeyPrefix + "chat:broker:",
			Queue:     cfg.QueueName,
			Logger:    log,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		// The store and the broker share the client; it is closed once here.
		return &backend{
			store:   store,
			broker:  q,
			client:  client,
			prefix:  cfg.RedisKeyPrefix + "chat:",
			closers: []func() error{client.Close},
		}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func (b *backend) relayConfig(log *slog.Logger) relayredis.Config {
	return relayredis.Config{Client: b.client, KeyPrefix: b.prefix, Logger: log}
}

// run wires the components for m and blocks until ctx is cancelled or one of
// them fails.
func run(ctx context.Context, cfg *config.Config, m mode, log *slog.Logger) error {
	if cfg.StoreBackend == "memory" && m != modeAll {
		return fmt.Errorf("the memory backend cannot be shared between processes; use %q", modeAll.String())
	}

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.Close(); err != nil {
			log.Warn("backend.close.fail", slog.String("err", err.Error()))
		}
	}()

	store, err := gormstore.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	registry := sessions.NewRegistry(be.store, sessions.WithTTL(cfg.SessionTTL))
	conns := connections.NewRegistry(
		connections.WithTimeout(cfg.StreamTimeout),
		connections.WithLogger(log),
	)
	defer conns.Close()

	g, gctx := errgroup.WithContext(ctx)

	// The worker writes into the local registry only when nothing else can
	// hold the client's connection.
	var sink relay.Sink = conns
	var sub *relayredis.Subscriber
	if be.client != nil {
		if m.serves() {
			if sub, err = relayredis.NewSubscriber(be.relayConfig(log)); err != nil {
				return err
			}
		}
		if m.works() {
			pub, err := relayredis.NewPublisher(be.relayConfig(log))
			if err != nil {
				return err
			}
			sink = pub
		}
	}

	var srv *http.Server
	if m.serves() {
		if srv, err = newServer(gctx, cfg, be, store, registry, conns, log); err != nil {
			return err
		}
	} else {
		srv = newMetricsServer(gctx, cfg, log)
	}

	var (
		w      *worker.Worker
		models *catalog.Catalog
	)
	if m.works() {
		if w, models, err = newWorker(cfg, be, store, registry, sink, log); err != nil {
			return err
		}
	}

	if sub != nil {
		ready := make(chan struct{})
		g.Go(func() error { return sub.Run(gctx, conns, ready) })
		// Accept attaches only once relayed output can reach them.
		select {
		case <-ready:
		case <-gctx.Done():
			return ignoreCanceled(g.Wait())
		}
	}

	g.Go(func() error {
		log.Info("http.listen", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Attached streams never finish on their own; end them first so
		// Shutdown does not wait out the stream timeout.
		conns.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http.shutdown.fail", slog.String("err", err.Error()))
		}
		return nil
	})

	if w != nil {
		g.Go(func() error { return models.Watch(gctx) })
		g.Go(func() error { return w.Run(gctx) })
	}

	return ignoreCanceled(g.Wait())
}

// newMetricsServer exposes only the metrics route, for worker processes.
func newMetricsServer(ctx context.Context, cfg *config.Config, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}
}

func newServer(ctx context.Context, cfg *config.Config, be *backend, store *gormstore.Store, registry *sessions.Registry, conns *connections.Registry, log *slog.Logger) (*http.Server, error) {
	jwtCfg := auth.JWTConfig{
		JWKSURL:     cfg.JWTJWKSURL,
		Issuer:      cfg.JWTIssuer,
		Revocations: be.store,
	}
	if cfg.JWTSecret != "" {
		jwtCfg.Secret = []byte(cfg.JWTSecret)
	}
	authn, err := auth.NewJWT(ctx, jwtCfg)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	submitter, err := chat.NewSubmitter(chat.SubmitterConfig{
		Gate:        gate.NewOnce(be.store),
		Transcripts: store,
		Sessions:    registry,
		Broker:      be.broker,
		Cooldown:    cfg.ChatCooldown,
		RoutingKey:  cfg.RoutingKey,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	handler, err := streaminghttp.New(
		authn,
		submitter,
		chat.NewHistory(store),
		registry,
		conns,
		streaminghttp.WithLogger(log),
		streaminghttp.WithPrefix(cfg.PathPrefix),
		streaminghttp.WithFlowLimiter(gate.NewFlowLimiter(be.store, gate.FlowConfig{
			Limit:  cfg.FlowLimit,
			Window: cfg.FlowWindow,
			Block:  cfg.FlowBlock,
		})),
	)
	if err != nil {
		return nil, err
	}

	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}, nil
}

func newWorker(cfg *config.Config, be *backend, store *gormstore.Store, registry *sessions.Registry, sink relay.Sink, log *slog.Logger) (*worker.Worker, *catalog.Catalog, error) {
	catOpts := []catalog.Option{catalog.WithLogger(log)}
	if cfg.ModelCatalogPath != "" {
		catOpts = append(catOpts, catalog.WithFile(cfg.ModelCatalogPath))
	}
	models, err := catalog.New(cfg.DefaultModel, catOpts...)
	if err != nil {
		return nil, nil, err
	}

	provider, err := upstream.New(upstream.Config{
		BaseURL: cfg.UpstreamBaseURL,
		APIKey:  cfg.UpstreamAPIKey,
		Timeout: cfg.UpstreamTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	w, err := worker.New(worker.Config{
		Broker:      be.broker,
		Transcripts: store,
		Sessions:    registry,
		Sink:        sink,
		Provider:    provider,
		Models:      models,
		Concurrency: cfg.WorkerConcurrency,
		Logger:      log,
	})
	if err != nil {
		return nil, nil, err
	}
	return w, models, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

