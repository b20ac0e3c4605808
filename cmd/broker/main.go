package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ismaiel54/fix-order-gateway/internal/broker"
	"github.com/ismaiel54/fix-order-gateway/internal/chaos"
	"github.com/ismaiel54/fix-order-gateway/internal/config"
	"github.com/ismaiel54/fix-order-gateway/internal/dropcopy"
	"github.com/ismaiel54/fix-order-gateway/internal/engine"
	"github.com/ismaiel54/fix-order-gateway/internal/logging"
	"github.com/ismaiel54/fix-order-gateway/internal/msg"
	"github.com/ismaiel54/fix-order-gateway/internal/observability"
	"github.com/ismaiel54/fix-order-gateway/internal/session"
	"github.com/ismaiel54/fix-order-gateway/internal/store"
	"github.com/ismaiel54/fix-order-gateway/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("broker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting broker",
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("data_dir", cfg.DataDir),
		zap.String("store_backend", cfg.StoreBackend),
		zap.Int("sessions", len(cfg.Sessions)),
		zap.Bool("drop_copy", cfg.DropCopyEnabled),
		zap.Duration("fill_delay", cfg.FillDelay),
	)

	for _, sc := range cfg.Sessions {
		if sc.Role != session.RoleAcceptor {
			logger.Fatal("broker only runs acceptor sessions",
				zap.String("session_id", sc.Settings().ID()),
				zap.String("role", string(sc.Role)),
			)
		}
	}

	// Open message store
	factory, err := store.Open(cfg.StoreBackend, cfg.DataDir)
	if err != nil {
		logger.Fatal("failed to open message store", zap.Error(err))
	}
	defer factory.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := observability.NewHealthChecker(logger)
	registry := session.NewRegistry()
	sinks := engine.Sinks{broker.NewRouter(registry, logger)}

	// Optional drop copy: engine events go to a SQLite outbox and a
	// publisher drains it to Kafka
	var (
		outbox      *dropcopy.Outbox
		producer    *msg.Producer
		publisherCh = make(chan error, 1)
	)
	if cfg.DropCopyEnabled {
		dbPath := filepath.Join(cfg.DataDir, "dropcopy.db")
		outbox, err = dropcopy.Open(dbPath)
		if err != nil {
			logger.Fatal("failed to open drop copy outbox", zap.Error(err))
		}
		defer outbox.Close()
		logger.Info("drop copy outbox opened", zap.String("path", dbPath))

		msgCfg := msg.LoadConfig()
		msgCfg.Brokers = msg.SplitBrokers(cfg.KafkaBrokers)
		producer, err = msg.NewProducer(msgCfg, msg.TopicOrdersExecutions, logger)
		if err != nil {
			logger.Fatal("failed to create kafka producer", zap.Error(err))
		}
		defer producer.Close()

		sinks = append(sinks, dropcopy.NewSink(outbox, logger))
		publisher := dropcopy.NewPublisher(outbox, producer, logger)
		// not ready until the first pass reaches Kafka
		healthChecker.SetDropCopyReady(false)
		publisher.OnReadiness(healthChecker.SetDropCopyReady)
		go func() {
			if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				publisherCh <- err
			}
		}()
	}

	// Order engine
	book := engine.NewBook()
	eng := engine.New(book, sinks,
		engine.WithLogger(logger),
		engine.WithFillDelay(cfg.FillDelay),
		engine.WithFillSlices(cfg.FillSlices),
		engine.WithMarketPrice(cfg.MarketPrice),
	)
	app := broker.NewApplication(eng, logger)

	var faults *chaos.Chaos
	if cfg.Chaos.Enabled {
		faults, err = chaos.New(&cfg.Chaos, clock.New(), logger)
		if err != nil {
			logger.Fatal("invalid chaos configuration", zap.Error(err))
		}
	}

	// One acceptor per session
	acceptorCh := make(chan error, len(cfg.Sessions))
	for _, sc := range cfg.Sessions {
		s, err := session.New(sc.Settings(), factory, app, session.WithLogger(logger))
		if err != nil {
			logger.Fatal("failed to create session",
				zap.String("session_id", sc.Settings().ID()),
				zap.Error(err),
			)
		}
		registry.Register(s)

		var wrap transport.Wrapper
		if faults != nil {
			wrap = faults.Wrap(s.ID())
		}
		acceptor := transport.NewAcceptor(s, wrap, logger)
		addr := sc.BindAddr()
		go func() {
			if err := acceptor.ListenAndServe(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
				acceptorCh <- fmt.Errorf("acceptor %s: %w", s.ID(), err)
			}
		}()
	}

	// Create gRPC server
	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			grpcErrCh <- err
		}
	}()

	// Start HTTP ops server
	httpErrCh := make(chan error, 1)
	go func() {
		router := observability.NewRouter(healthChecker, registry, book)
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr(), router); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	healthChecker.SetReady(true)

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-grpcErrCh:
		logger.Error("gRPC server error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	case err := <-acceptorCh:
		logger.Error("acceptor error", zap.Error(err))
	case err := <-publisherCh:
		logger.Error("drop copy publisher error", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully...")
	healthChecker.SetReady(false)

	// Log out connected counterparties before closing listeners
	for _, st := range registry.Statuses() {
		s, ok := registry.Get(st.ID)
		if !ok {
			continue
		}
		if err := s.Logout("broker shutting down"); err != nil && !errors.Is(err, session.ErrNotActive) {
			logger.Warn("logout failed", zap.String("session_id", st.ID), zap.Error(err))
		}
	}
	time.Sleep(500 * time.Millisecond)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("broker stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.LogFile != "" {
		return logging.NewLoggerWithFile(cfg.ServiceName, cfg.LogLevel, cfg.LogFile)
	}
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}
