package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/replicate/model-runner/internal/config"
	"github.com/replicate/model-runner/internal/server"
	"github.com/replicate/model-runner/internal/worker"
)

// Service is the root lifecycle owner for the model runner: it wires the
// worker supervisor, the prediction runner and the HTTP server, and decides
// when the process exits.
type Service struct {
	cfg config.Config

	started         chan struct{}
	stopped         chan struct{}
	shutdown        chan struct{}
	shutdownStarted atomic.Bool
	forceShutdown   chan struct{}

	httpServer *http.Server
	handler    *server.Handler
	runner     *server.Runner

	logger *zap.Logger
}

func New(cfg config.Config, baseLogger *zap.Logger) *Service {
	return &Service{
		cfg:           cfg,
		started:       make(chan struct{}),
		stopped:       make(chan struct{}),
		shutdown:      make(chan struct{}),
		forceShutdown: make(chan struct{}, 1),
		logger:        baseLogger.Named("service"),
	}
}

// Initialize sets up the service components (idempotent)
func (s *Service) Initialize(ctx context.Context) error {
	if s.httpServer != nil {
		return nil
	}

	log := s.logger.Sugar()
	log.Info("initializing HTTP server")

	runnerCfg := s.cfg
	runnerCfg.ForceShutdown = s.forceShutdown

	sup := worker.NewSupervisor(worker.Config{
		Command:        s.workerCommand(),
		Dir:            s.cfg.WorkingDirectory,
		Env:            os.Environ(),
		StateDir:       s.cfg.StateDirectory,
		CleanupTimeout: s.cfg.CleanupTimeout,
	})

	s.runner = server.NewRunner(runnerCfg, sup)
	s.handler = server.NewHandler(s.runner, s.triggerShutdown)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           server.NewServeMux(s.handler),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(l net.Listener) context.Context { return ctx },
	}
	return nil
}

func (s *Service) workerCommand() []string {
	cmd := []string{s.cfg.WorkerBinary}
	if s.cfg.PredictorName != "" {
		cmd = append(cmd, "--predictor", s.cfg.PredictorName)
	}
	return cmd
}

// Run starts the service and blocks until shutdown
func (s *Service) Run(ctx context.Context) error {
	log := s.logger.Sugar()

	select {
	case <-s.started:
		log.Errorw("service already started")
		return nil
	default:
	}

	if s.httpServer == nil {
		return fmt.Errorf("service not initialized - call Initialize() first")
	}

	log.Infow("starting service",
		"addr", s.httpServer.Addr,
		"working_directory", s.cfg.WorkingDirectory,
	)

	eg, egCtx := errgroup.WithContext(ctx)

	s.runner.Start(egCtx)

	eg.Go(func() error {
		log.Info("starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-s.shutdown
		log.Info("initiating graceful shutdown")

		s.runner.Shutdown()
		s.runner.WaitForStop()

		log.Info("closing HTTP server")
		return s.httpServer.Close()
	})

	// Worker death outside await-explicit-shutdown mode takes the whole
	// service down
	eg.Go(func() error {
		select {
		case <-s.shutdown:
			return nil
		case <-egCtx.Done():
			return nil
		case <-s.forceShutdown:
			log.Info("worker stopped, shutting down")
			s.triggerShutdown()
			return nil
		}
	})

	eg.Go(func() error {
		select {
		case <-s.shutdown:
			return nil
		case <-egCtx.Done():
			log.Info("context canceled, forcing immediate shutdown")
			s.triggerShutdown()
			if err := s.httpServer.Close(); err != nil {
				log.Errorw("failed to close HTTP server", "error", err)
			}
			return egCtx.Err()
		}
	})

	if s.cfg.AwaitExplicitShutdown {
		eg.Go(func() error {
			return s.handleSignals(egCtx)
		})
	}

	close(s.started)

	err := eg.Wait()

	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}

	return err
}

// Shutdown initiates graceful shutdown of the service (non-blocking)
func (s *Service) Shutdown(ctx context.Context) {
	s.logger.Sugar().Info("shutdown requested")
	s.triggerShutdown()
}

func (s *Service) triggerShutdown() {
	if s.shutdownStarted.CompareAndSwap(false, true) {
		close(s.shutdown)
	}
}

// ExitCode mirrors the worker's exit status so container orchestrators see
// model crashes.
func (s *Service) ExitCode() int {
	if s.runner == nil {
		return 0
	}
	return s.runner.ExitCode()
}

func (s *Service) IsStarted() bool {
	select {
	case <-s.started:
		return true
	default:
		return false
	}
}

func (s *Service) IsStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

func (s *Service) IsRunning() bool {
	return s.IsStarted() && !s.IsStopped()
}

// handleSignals handles SIGTERM in await-explicit-shutdown mode
func (s *Service) handleSignals(ctx context.Context) error {
	log := s.logger.Sugar()
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM)
	defer signal.Stop(ch)

	select {
	case <-s.shutdown:
		return nil
	case <-ctx.Done():
		return nil
	case <-ch:
		log.Info("received SIGTERM, starting graceful shutdown")
		s.triggerShutdown()
		return nil
	}
}
