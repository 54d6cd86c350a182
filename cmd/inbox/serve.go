package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/lengolf/inbox/internal/attachment"
	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/channel/adapters/line"
	"github.com/lengolf/inbox/internal/channel/adapters/meta"
	"github.com/lengolf/inbox/internal/channel/adapters/website"
	"github.com/lengolf/inbox/internal/channel/adapters/whatsapp"
	"github.com/lengolf/inbox/internal/config"
	"github.com/lengolf/inbox/internal/db"
	"github.com/lengolf/inbox/internal/handlers"
	"github.com/lengolf/inbox/internal/healthcheck"
	channelchecker "github.com/lengolf/inbox/internal/healthcheck/checkers/channel"
	"github.com/lengolf/inbox/internal/identity"
	"github.com/lengolf/inbox/internal/inbox"
	"github.com/lengolf/inbox/internal/inbox/memstore"
	"github.com/lengolf/inbox/internal/inbox/pgstore"
	"github.com/lengolf/inbox/internal/logger"
	"github.com/lengolf/inbox/internal/metrics"
	"github.com/lengolf/inbox/internal/queue"
	"github.com/lengolf/inbox/internal/server"
	"github.com/lengolf/inbox/internal/webhook"
)

type serveOptions struct {
	ConfigPath string
	Memory     bool
	Migrate    bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gateway, event workers and staff API",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ConfigPath = configPath(cmd)
			return runServe(opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Memory, "memory", false, "keep all data in process memory (development only)")
	cmd.Flags().BoolVar(&opts.Migrate, "migrate", false, "apply pending migrations before starting")
	return cmd
}

func runServe(opts serveOptions) error {
	app := fx.New(
		fx.Supply(opts),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideStorage,
			provideChannelRegistry,
			identity.NewResolver,
			provideProcessor,
			provideDispatcher,
			inbox.NewService,
			provideQueue,
			provideAttachmentCache,
			webhook.NewGateway,
			provideReadinessChecker(provideChannelChecker),
			provideServerHandler(func(g *webhook.Gateway) *webhook.Gateway { return g }),
			provideServerHandler(handlers.NewInboxHandler),
			provideServerHandler(providePingHandler),
			provideServerHandler(metrics.NewHandler),
			provideServer,
		),
		fx.Invoke(
			startQueue,
			startSweeper,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideReadinessChecker(fn any) any {
	return fx.Annotate(
		fn,
		fx.ResultTags(`group:"readiness"`),
	)
}

func provideConfig(opts serveOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// noCheck is a typed nil that adds no items to the readiness report.
var noCheck healthcheck.Checker = (*healthcheck.PingChecker)(nil)

type storageResult struct {
	fx.Out

	Store      inbox.Store
	Users      inbox.UserStore
	WebhookLog inbox.WebhookLog
	Directory  identity.CustomerDirectory
	Check      healthcheck.Checker `group:"readiness"`
}

func provideStorage(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, opts serveOptions) (storageResult, error) {
	if opts.Memory {
		log.Warn("using in-memory storage, data is lost on exit")
		store := memstore.New()
		return storageResult{
			Store:      store,
			Users:      store,
			WebhookLog: store,
			Directory:  identity.NewMemoryDirectory(),
			Check:      noCheck,
		}, nil
	}
	if opts.Migrate {
		if err := db.Migrate(log, cfg.Postgres); err != nil {
			return storageResult{}, fmt.Errorf("migrate: %w", err)
		}
	}
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return storageResult{}, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	store := pgstore.New(pool)
	return storageResult{
		Store:      store,
		Users:      store,
		WebhookLog: store,
		Directory:  identity.NewPGDirectory(pool),
		Check:      healthcheck.NewPingChecker("postgres", pool.Ping),
	}, nil
}

func provideChannelRegistry(log *slog.Logger, cfg config.Config) (*channel.Registry, error) {
	registry := channel.NewRegistry()
	client := &http.Client{Timeout: cfg.Outbound.SendTimeoutDuration()}
	for _, name := range config.KnownChannels {
		cc := cfg.Channel(name)
		if cc.Disabled {
			log.Info("channel disabled", slog.String("channel", name))
			continue
		}
		if strings.TrimSpace(cc.Secret) == "" {
			log.Warn("channel has no webhook secret, deliveries will be rejected", slog.String("channel", name))
		}
		adapter, err := buildAdapter(log, name, cc, client)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(adapter); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
	}
	return registry, nil
}

func buildAdapter(log *slog.Logger, name string, cc config.ChannelConfig, client *http.Client) (channel.Adapter, error) {
	switch channel.ChannelType(name) {
	case channel.ChannelLINE:
		return line.New(log, line.Config{
			Secret:      cc.Secret,
			AccessToken: cc.AccessToken,
			APIBaseURL:  cc.APIBaseURL,
			HTTPClient:  client,
		}), nil
	case channel.ChannelFacebook, channel.ChannelInstagram:
		mc := meta.Config{
			Secret:      cc.Secret,
			AccessToken: cc.AccessToken,
			VerifyToken: cc.VerifyToken,
			APIBaseURL:  cc.APIBaseURL,
			ReplyWindow: replyWindow(cc),
			HTTPClient:  client,
		}
		if name == string(channel.ChannelInstagram) {
			return meta.NewInstagram(log, mc), nil
		}
		return meta.NewFacebook(log, mc), nil
	case channel.ChannelWhatsApp:
		return whatsapp.New(log, whatsapp.Config{
			Secret:        cc.Secret,
			AccessToken:   cc.AccessToken,
			VerifyToken:   cc.VerifyToken,
			PhoneNumberID: cc.PhoneNumberID,
			APIBaseURL:    cc.APIBaseURL,
			ReplyWindow:   replyWindow(cc),
			HTTPClient:    client,
		}), nil
	case channel.ChannelWebsite:
		return website.New(log, website.Config{
			Secret:      cc.Secret,
			AccessToken: cc.AccessToken,
			APIBaseURL:  cc.APIBaseURL,
			HTTPClient:  client,
		}), nil
	}
	return nil, fmt.Errorf("%w: %s", channel.ErrUnknownChannel, name)
}

// replyWindow maps the config value onto the adapter convention: zero keeps
// the platform default and a negative value disables the window.
func replyWindow(cc config.ChannelConfig) time.Duration {
	if strings.TrimSpace(cc.ReplyWindow) == "0" {
		return -1
	}
	return cc.ReplyWindowDuration(0)
}

func provideProcessor(log *slog.Logger, store inbox.Store, resolver *identity.Resolver) *inbox.Processor {
	return inbox.NewProcessor(log, store, resolver)
}

func provideDispatcher(log *slog.Logger, store inbox.Store, registry *channel.Registry, cfg config.Config) *inbox.Dispatcher {
	return inbox.NewDispatcher(log, store, registry, cfg.Outbound.SendTimeoutDuration())
}

type queueResult struct {
	fx.Out

	Queue    queue.Queue
	Enqueuer webhook.Enqueuer
	Check    healthcheck.Checker `group:"readiness"`
}

func provideQueue(log *slog.Logger, cfg config.Config, processor *inbox.Processor) (queueResult, error) {
	handler := queue.ProcessorHandler(processor)
	switch strings.ToLower(strings.TrimSpace(cfg.Queue.Driver)) {
	case "", "memory":
		q := queue.NewMemory(log, handler, cfg.Queue.Workers, cfg.Queue.Buffer)
		return queueResult{Queue: q, Enqueuer: q, Check: noCheck}, nil
	case "amqp":
		q, err := queue.NewAMQP(context.Background(), log, queue.AMQPOptions{
			URL:        cfg.Queue.AMQP.URL,
			Exchange:   cfg.Queue.AMQP.Exchange,
			Queue:      cfg.Queue.AMQP.Queue,
			RoutingKey: cfg.Queue.AMQP.RoutingKey,
			Prefetch:   cfg.Queue.AMQP.Prefetch,
			Workers:    cfg.Queue.Workers,
		}, handler)
		if err != nil {
			return queueResult{}, fmt.Errorf("amqp queue: %w", err)
		}
		return queueResult{Queue: q, Enqueuer: q, Check: healthcheck.NewPingChecker("amqp", q.Ping)}, nil
	default:
		return queueResult{}, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

type cacheResult struct {
	fx.Out

	Cache *attachment.Cache
	Store attachment.PersistentStore
	Check healthcheck.Checker `group:"readiness"`
}

func provideAttachmentCache(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, registry *channel.Registry) (cacheResult, error) {
	var store attachment.PersistentStore
	check := noCheck
	switch strings.ToLower(strings.TrimSpace(cfg.Cache.Store)) {
	case "", "fs":
		fs, err := attachment.NewFSStore(cfg.Cache.Dir)
		if err != nil {
			return cacheResult{}, fmt.Errorf("attachment store: %w", err)
		}
		store = fs
	case "redis":
		client := attachment.NewRedisClient(cfg.Redis.Addrs, cfg.Redis.Password, cfg.Redis.Cluster)
		lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return client.Close() }})
		rs := attachment.NewRedisStore(client)
		store = rs
		check = healthcheck.NewPingChecker("redis", rs.Ping)
	case "none":
	default:
		return cacheResult{}, fmt.Errorf("unknown cache store %q", cfg.Cache.Store)
	}
	fetcher := attachment.NewHTTPFetcher(&http.Client{Timeout: cfg.Cache.FetchTimeoutDuration()}, registry, cfg.Cache.MaxBytes)
	cache, err := attachment.New(log, store, fetcher, attachment.Options{
		Capacity:     cfg.Cache.Capacity,
		TTL:          cfg.Cache.TTLDuration(),
		FetchTimeout: cfg.Cache.FetchTimeoutDuration(),
	})
	if err != nil {
		return cacheResult{}, err
	}
	return cacheResult{Cache: cache, Store: store, Check: check}, nil
}

func provideChannelChecker(log *slog.Logger, registry *channel.Registry, gateway *webhook.Gateway) healthcheck.Checker {
	return channelchecker.NewChecker(log, registry, gateway)
}

type readinessParams struct {
	fx.In

	Logger   *slog.Logger
	Checkers []healthcheck.Checker `group:"readiness"`
}

func providePingHandler(p readinessParams) *handlers.PingHandler {
	return handlers.NewPingHandler(p.Logger, p.Checkers...)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) (*server.Server, error) {
	if strings.TrimSpace(params.Config.Auth.JWTSecret) == "" {
		return nil, errors.New("auth.jwt_secret (or INBOX_JWT_SECRET) is required")
	}
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...), nil
}

func startQueue(lc fx.Lifecycle, q queue.Queue) {
	lc.Append(fx.Hook{
		OnStart: q.Start,
		OnStop:  q.Stop,
	})
}

func startSweeper(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, store attachment.PersistentStore) error {
	if store == nil {
		return nil
	}
	sweeper, err := attachment.NewSweeper(log, store, cfg.Cache.Sweep)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sweeper.Start()
			return nil
		},
		OnStop: sweeper.Stop,
	})
	return nil
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config, registry *channel.Registry) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting inbox",
				slog.String("addr", cfg.Server.Addr),
				slog.Any("channels", registry.Types()),
				slog.String("queue", cfg.Queue.Driver),
			)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
