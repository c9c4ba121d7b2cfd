package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"e2e_core/internal/config"
	"e2e_core/internal/metrics"
	"e2e_core/internal/model"
	"e2e_core/internal/nonceguard"
	"e2e_core/internal/protocol/forwardsecrecy"
	"e2e_core/internal/repository/account"
	"e2e_core/internal/repository/contact"
	"e2e_core/internal/repository/message"
	"e2e_core/internal/service/app"
	redisSvc "e2e_core/internal/service/redis"
	"e2e_core/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath string
		identity   string
	)

	root := &cobra.Command{
		Use:           "client [recipient]",
		Short:         "End-to-end encrypted chat client",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if identity != "" {
				cfg.Client.Identity = identity
			}
			if cfg.Client.Identity == "" {
				return errors.New("identity required (--identity or client.identity)")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			var peer string
			if len(args) == 1 {
				peer = args[0]
			}
			return run(cmd.Context(), cfg, peer)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config")
	root.Flags().StringVarP(&identity, "identity", "i", "", "own identity, overrides client.identity")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, peer string) error {
	if err := os.MkdirAll(cfg.Client.DataDir, 0o700); err != nil {
		return err
	}
	// the TUI owns the terminal
	if err := log.InitFile(cfg.Log.Level, filepath.Join(cfg.Client.DataDir, "client.log")); err != nil {
		return err
	}
	defer log.Sync()

	me := model.Identity(cfg.Client.Identity)

	mongoDBClient, err := initMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		return err
	}
	defer mongoDBClient.Disconnect(context.Background())

	db := mongoDBClient.Database(fmt.Sprintf("%s_%s", cfg.Mongo.Database, strings.ToLower(me.String())))
	contactRepo := contact.NewContactRepo(db)
	messageRepo := message.NewMessageRepo(db)
	if err := contactRepo.EnsureIndexes(ctx); err != nil {
		return err
	}
	if err := messageRepo.EnsureIndexes(ctx); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	redis := redisSvc.NewRedis(rdb)
	if err := redis.Ping(ctx); err != nil {
		return err
	}

	guard, closeGuard, err := newGuard(cfg, me, redis)
	if err != nil {
		return err
	}
	defer closeGuard()

	collector := metrics.New()
	if cfg.Metrics.Listen != "" {
		go serveMetrics(cfg.Metrics.Listen, collector.Handler())
	}

	lo, hi := cfg.ForwardSecrecy.Versions()
	c := app.NewApp(app.Options{
		Client:    cfg.Client,
		Processor: cfg.Processor,
		FS: forwardsecrecy.Config{
			Enabled:    cfg.ForwardSecrecy.Enabled,
			MinVersion: lo,
			MaxVersion: hi,
		},
		Accounts: account.NewAccountRepo(db),
		Contacts: contactRepo,
		Messages: messageRepo,
		Guard:    guard,
		Sessions: forwardsecrecy.NewRedisStore(redis),
		Observer: collector,
	})

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return c.Run(ctx, peer)
}

func newGuard(cfg config.Config, me model.Identity, redis *redisSvc.RedisService) (nonceguard.Guard, func(), error) {
	switch cfg.NonceGuard.Backend {
	case "memory":
		return nonceguard.NewMemory(), func() {}, nil
	case "badger":
		g, err := nonceguard.OpenBadger(cfg.NonceGuard.BadgerPath)
		if err != nil {
			return nil, nil, err
		}
		return g, func() {
			if err := g.Close(); err != nil {
				log.Error("close nonce store failed", zap.Error(err))
			}
		}, nil
	}
	return nonceguard.NewRedis(redis, "nonce:"+me.String()), func() {}, nil
}

func serveMetrics(addr string, h http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	if err := http.ListenAndServe(addr, mux); !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics listener stopped", zap.Error(err))
	}
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
