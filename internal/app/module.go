// Package app composes the sync client with fx: profile config, logger, bus,
// transport, REST backend and the controller, plus their lifecycle.
package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Params holds the resolved profile and run options passed to the fx module.
type Params struct {
	Profile string
	Debug   bool
	// Exclusive holds the profile lock for the lifetime of the app.
	Exclusive bool
	Command   string
}

// Module returns the fx module for the client, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatsync",
		fx.Supply(p),
		fx.Provide(
			provideProfile,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideTransport,
			provideBackend,
			provideController,
		),
		fx.Invoke(registerLifecycle),
	)
}

// New builds an app for p. Extra options typically populate the controller.
func New(p Params, opts ...fx.Option) *fx.App {
	return fx.New(
		Module(p),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Options(opts...),
	)
}

func provideProfile(p Params) (*config.Profile, error) {
	prof, err := config.LoadProfile(session.ProfileConfigPath(p.Profile))
	if err != nil {
		return nil, err
	}
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	return prof, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

// provideLock returns a nil lock unless the app runs exclusively.
func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if !p.Exclusive {
		return nil, nil
	}
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(session.Dir(p.Profile), p.Command)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("path", l.Path()))
	return l, nil
}

func provideTransport(prof *config.Profile, m *status.Machine, logger *zap.Logger) *transport.Adapter {
	return transport.New(transport.Config{
		URL:                  prof.WSURL,
		Token:                prof.Token,
		AutoReconnect:        prof.ReconnectEnabled(),
		MaxReconnectAttempts: prof.Reconnect.MaxAttempts,
		ReconnectBaseDelay:   prof.Reconnect.BaseDelay.Duration,
		ReconnectMaxDelay:    prof.Reconnect.MaxDelay.Duration,
		HeartbeatInterval:    prof.HeartbeatInterval.Duration,
		WriteTimeout:         prof.WriteTimeout.Duration,
	}, m, logger)
}

func provideBackend(prof *config.Profile, logger *zap.Logger) backend.Backend {
	return backend.NewClient(backend.Config{
		BaseURL: prof.APIURL,
		Token:   prof.Token,
	}, logger)
}

func provideController(prof *config.Profile, tr *transport.Adapter, api backend.Backend, b *bus.Bus, logger *zap.Logger) *intsync.Controller {
	return intsync.New(intsync.Config{
		UserID:       prof.UserID,
		PageSize:     prof.PageSize,
		RetentionTTL: prof.Retention.TTL.Duration,
		AckTimeout:   prof.AckTimeout.Duration,
		EmitTimeout:  prof.WriteTimeout.Duration,
	}, tr, api, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, ctrl *intsync.Controller, lk *lock.Lock, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting", zap.String("command", p.Command))
			// A client that cannot reach the server yet keeps retrying; it is not fatal.
			if err := ctrl.Start(ctx); err != nil {
				logger.Warn("started degraded", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := ctrl.Stop(); err != nil {
				logger.Warn("error stopping controller", zap.Error(err))
			}
			b.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
