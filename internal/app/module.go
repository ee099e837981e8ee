// Package app composes the client from its parts and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"

	"github.com/pvilela/chirp/internal/bridge"
	"github.com/pvilela/chirp/internal/bus"
	"github.com/pvilela/chirp/internal/config"
	"github.com/pvilela/chirp/internal/identity"
	"github.com/pvilela/chirp/internal/ledger"
	"github.com/pvilela/chirp/internal/lock"
	"github.com/pvilela/chirp/internal/logging"
	"github.com/pvilela/chirp/internal/outbox"
	"github.com/pvilela/chirp/internal/presence"
	"github.com/pvilela/chirp/internal/session"
	"github.com/pvilela/chirp/internal/status"
	"github.com/pvilela/chirp/internal/store"
	intsync "github.com/pvilela/chirp/internal/sync"
	"github.com/pvilela/chirp/internal/track"
	"github.com/pvilela/chirp/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chirp",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideSession,
			provideTracker,
			provideLedger,
			provideEstimator,
			provideRest,
			providePush,
			provideSender,
			provideEngine,
			provideBridge,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideSession binds the session identity. This is the one startup input
// the client cannot degrade around: without knowing who the user is, message
// ownership cannot be determined.
func provideSession(cfg *config.Config) (*identity.Session, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user_id not configured; set it in %s or CHIRP_USER_ID", session.ConfigPath())
	}
	sess := identity.NewSession()
	sess.Set(identity.Identity{ID: cfg.UserID})
	return sess, nil
}

func provideTracker(sess *identity.Session, logger *zap.Logger) *track.Tracker {
	return track.NewTracker(sess, logger)
}

func provideLedger(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *ledger.Ledger {
	return ledger.New(cfg.UserID, db, b, logger)
}

func provideEstimator(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *presence.Estimator {
	return presence.NewEstimator(presence.Options{
		DowngradeGrace: cfg.Presence.DowngradeGrace.Duration,
		TypingExpiry:   cfg.Typing.OverlayExpiry.Duration,
	}, b, logger)
}

func provideRest(cfg *config.Config, logger *zap.Logger) *transport.Client {
	return transport.NewClient(cfg.ServerURL, cfg.AuthToken, logger)
}

func providePush(cfg *config.Config, b *bus.Bus, m *status.Machine, logger *zap.Logger) *transport.Push {
	return transport.NewPush(cfg.PushURL, cfg.AuthToken, b, m, logger)
}

func provideSender(db *store.DB, client *transport.Client, m *status.Machine, tracker *track.Tracker, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, m, tracker, b, cfg.Outbox, logger)
}

func provideEngine(
	db *store.DB,
	b *bus.Bus,
	tracker *track.Tracker,
	ldg *ledger.Ledger,
	est *presence.Estimator,
	sess *identity.Session,
	m *status.Machine,
	client *transport.Client,
	push *transport.Push,
	sender *outbox.Sender,
	cfg *config.Config,
	logger *zap.Logger,
) *intsync.Engine {
	return intsync.NewEngine(db, b, tracker, ldg, est, sess, m, client, push, sender, cfg, logger)
}

func provideBridge(ldg *ledger.Ledger, tracker *track.Tracker, est *presence.Estimator, db *store.DB, b *bus.Bus, cfg *config.Config) *bridge.Bridge {
	return bridge.New(ldg, tracker, est, db, b, cfg, cfg.UserID)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	db *store.DB,
	engine *intsync.Engine,
	sender *outbox.Sender,
	push *transport.Push,
	machine *status.Machine,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine warms its caches before anything connects, so the UI
			// has data even when the network is down.
			engine.Start(context.Background())
			sender.Start(context.Background())

			_ = machine.Transition(status.Connecting)
			push.Start(context.Background())
			return nil
		},
		OnStop: func(_ context.Context) error {
			push.Stop()
			sender.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			_ = db.Close()
			logger.Info("client stopped")
			return nil
		},
	})
}
