package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/logging"
)

const maxReloadHistory = 50

// Server runs the public listener and the admin API around a Gateway.
type Server struct {
	gateway     *Gateway
	httpServer  *http.Server
	adminServer *http.Server
	watcher     *config.Watcher
	configPath  string
	startTime   time.Time

	mu            sync.Mutex
	reloadHistory []ReloadResult
}

// NewServer creates a server for cfg. configPath is used for reloads and
// may be empty.
func NewServer(cfg *config.Config, configPath string, opts ...Option) (*Server, error) {
	gw, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		configPath: configPath,
		startTime:  time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Listener.Address,
		Handler:           gw.Handler(),
		ReadTimeout:       cfg.Listener.ReadTimeout,
		WriteTimeout:      cfg.Listener.WriteTimeout,
		IdleTimeout:       cfg.Listener.IdleTimeout,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Listener.MaxHeaderBytes,
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Gateway returns the wrapped gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// WatchConfig reloads the gateway whenever the config file changes.
func (s *Server) WatchConfig() error {
	if s.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(s.configPath)
	if err != nil {
		return err
	}
	w.OnChange(func(cfg *config.Config) {
		s.logReload(s.apply(cfg))
	})
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	s.watcher = w
	return nil
}

// Run serves until ctx ends or SIGINT/SIGTERM arrives, then shuts down.
// SIGHUP triggers a config reload.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		logging.Info("Starting gateway listener", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listener error: %w", err)
		}
		return nil
	})

	if s.adminServer != nil {
		eg.Go(func() error {
			logging.Info("Starting admin server", zap.String("address", s.adminServer.Addr))
			if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server error: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		for {
			select {
			case <-hup:
				s.logReload(s.ReloadConfig())
			case <-egCtx.Done():
				logging.Info("Shutting down gracefully...")
				return s.Shutdown()
			}
		}
	})

	return eg.Wait()
}

// Shutdown waits out the drain delay, stops both servers and closes the
// gateway within the configured timeout.
func (s *Server) Shutdown() error {
	cfg := s.gateway.Config().Shutdown
	if cfg.DrainDelay > 0 {
		logging.Info("Draining before shutdown", zap.Duration("delay", cfg.DrainDelay))
		time.Sleep(cfg.DrainDelay)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}

	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("Listener shutdown error", zap.Error(err))
		firstErr = err
	}
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
		}
	}
	if err := s.gateway.Close(ctx); err != nil {
		logging.Error("Gateway close error", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	logging.Info("Server shutdown complete")
	return firstErr
}

// ReloadConfig loads the config file and applies it.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		return s.record(ReloadResult{
			Timestamp: time.Now(),
			Error:     "no config path configured",
		})
	}

	newCfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		return s.record(ReloadResult{
			Timestamp: time.Now(),
			Error:     fmt.Sprintf("config load failed: %v", err),
		})
	}
	return s.apply(newCfg)
}

func (s *Server) apply(cfg *config.Config) ReloadResult {
	return s.record(s.gateway.Reload(cfg))
}

func (s *Server) record(result ReloadResult) ReloadResult {
	s.mu.Lock()
	s.reloadHistory = appendReloadHistory(s.reloadHistory, result)
	s.mu.Unlock()
	return result
}

func (s *Server) logReload(result ReloadResult) {
	if result.Success {
		logging.Info("Config reloaded successfully",
			zap.Int("changes", len(result.Changes)),
			zap.Strings("details", result.Changes),
		)
		return
	}
	logging.Error("Config reload failed", zap.String("error", result.Error))
}

// ReloadHistory returns the most recent reload results, oldest first.
func (s *Server) ReloadHistory() []ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReloadResult(nil), s.reloadHistory...)
}

// appendReloadHistory appends a result and keeps the last 50 entries.
func appendReloadHistory(history []ReloadResult, result ReloadResult) []ReloadResult {
	history = append(history, result)
	if len(history) > maxReloadHistory {
		history = history[len(history)-maxReloadHistory:]
	}
	return history
}
