package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"project-feed/internal/binlog"
	"project-feed/internal/collection"
	"project-feed/internal/config"
	"project-feed/internal/feed"
	"project-feed/internal/hub"
	"project-feed/internal/metrics"
	"project-feed/internal/nats"
	"project-feed/internal/processor"
	"project-feed/internal/store"
	"project-feed/internal/transport"
)

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	logger.SetLevel(logrus.InfoLevel)
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

// binlogConfig fills connection details missing from the mysql section from the store DSN
func binlogConfig(cfg *config.Config) (binlog.Config, error) {
	bc := binlog.Config{
		Host:     cfg.MySQL.Host,
		Port:     cfg.MySQL.Port,
		User:     cfg.MySQL.User,
		Password: cfg.MySQL.Password,
		ServerID: cfg.MySQL.ServerID,
		Flavor:   cfg.MySQL.Flavor,
		Database: cfg.MySQL.Database,
		Table:    cfg.Store.Table,
	}
	if bc.User != "" && bc.Database != "" {
		return bc, nil
	}
	dsn, err := mysqldriver.ParseDSN(cfg.Store.DSN)
	if err != nil {
		return bc, fmt.Errorf("parse store dsn: %w", err)
	}
	if bc.User == "" {
		bc.User, bc.Password = dsn.User, dsn.Passwd
	}
	if bc.Database == "" {
		bc.Database = dsn.DBName
	}
	return bc, nil
}

func newSubscriber(ctx context.Context, cfg *config.Config, st *store.SQLStore, logger *logrus.Logger) (feed.Subscriber, error) {
	switch cfg.Feed.Source {
	case config.SourcePostgres:
		return feed.NewPGSubscriber(cfg.Store.DSN, cfg.Feed.Channel, logger), nil
	case config.SourceSQLite:
		return feed.NewOutboxSubscriber(st.DB(), cfg.Feed.Channel, cfg.Feed.PollInterval, *cfg.Feed.OutboxPrune, logger), nil
	case config.SourceMySQL:
		bc, err := binlogConfig(cfg)
		if err != nil {
			return nil, err
		}
		if cfg.MySQL.Check {
			if err := binlog.NewChecker(bc, logger).Check(ctx); err != nil {
				return nil, fmt.Errorf("binlog prerequisites: %w", err)
			}
		}
		return binlog.NewSubscriber(bc, logger), nil
	case config.SourceNATS:
		return nats.NewSubscriber(cfg.NATS.URL, cfg.NATS.Subject, cfg.NATS.MaxReconnect, cfg.NATS.ReconnectWait, logger), nil
	}
	return nil, fmt.Errorf("unsupported feed.source %q", cfg.Feed.Source)
}

func seed(ctx context.Context, svc *collection.Service, n int, logger *logrus.Logger) error {
	statuses := []string{"active", "on_hold", "completed"}
	for i := 1; i <= n; i++ {
		rec, err := svc.Create(ctx, fmt.Sprintf("Project %d", i), statuses[i%len(statuses)])
		if err != nil {
			return err
		}
		logger.Debugf("Seeded project %d", rec.ID)
	}
	logger.Infof("Seeded %d projects", n)
	return nil
}

func serve(ctx context.Context, cfg *config.Config, st *store.SQLStore, svc *collection.Service, logger *logrus.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sub, err := newSubscriber(ctx, cfg, st, logger)
	if err != nil {
		return err
	}

	opts := feed.Options{
		Buffer:       cfg.Feed.Buffer,
		ReconnectMin: cfg.Feed.ReconnectMin,
		ReconnectMax: cfg.Feed.ReconnectMax,
		Metrics:      m,
	}

	var publisher *nats.Publisher
	if cfg.NATS.Publish {
		publisher, err = nats.NewPublisher(cfg.NATS.URL, cfg.NATS.Subject, cfg.NATS.MaxReconnect, cfg.NATS.ReconnectWait, logger)
		if err != nil {
			return fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		defer publisher.Close()
		opts.Publisher = publisher
	}

	if cfg.Processor.Enabled {
		transformer, err := processor.NewTransformer(&cfg.Processor, logger, publisher.GetConn())
		if err != nil {
			return fmt.Errorf("failed to create transformer: %w", err)
		}
		opts.Transformer = transformer
	}

	changes := feed.New(sub, opts, logger)
	broadcaster := hub.New(hub.NewMemoryRegistry(), m, logger)
	server := transport.NewServer(svc, broadcaster, st.DB(), m, transport.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendBuffer:     cfg.Hub.SendBuffer,
		WriteTimeout:   cfg.Hub.WriteTimeout,
		PingInterval:   cfg.Hub.PingInterval,
		PongTimeout:    cfg.Hub.PongTimeout,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return changes.Run(gctx)
	})
	g.Go(func() error {
		return broadcaster.Run(gctx, changes.Events())
	})
	g.Go(func() error {
		logger.Infof("Listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		broadcaster.CloseAll()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	// project-feed [config.yaml]
	// project-feed seed <n> [config.yaml]
	args := os.Args[1:]
	seedCount := 0
	if len(args) > 0 && args[0] == "seed" {
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: project-feed seed <n> [config.yaml]")
			os.Exit(2)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			fmt.Fprintf(os.Stderr, "invalid seed count %q\n", args[1])
			os.Exit(2)
		}
		seedCount = n
		args = args[2:]
	}

	configPath := "config.yaml"
	if len(args) > 0 {
		configPath = args[0]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, store.Options{
		Table:   cfg.Store.Table,
		Channel: cfg.Feed.Channel,
		Migrate: cfg.Store.Migrate,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	svc := collection.NewService(st, cfg.Server.DefaultLimit, cfg.Server.MaxLimit, logger)

	if seedCount > 0 {
		if err := seed(ctx, svc, seedCount, logger); err != nil {
			logger.Errorf("Seeding failed: %v", err)
			os.Exit(1)
		}
		return
	}

	logger.Infof("Starting project feed service (store %s, feed %s)...", cfg.Store.Driver, cfg.Feed.Source)
	if err := serve(ctx, cfg, st, svc, logger); err != nil {
		logger.Errorf("Service error: %v", err)
		os.Exit(1)
	}
	logger.Info("Project feed service stopped")
}
