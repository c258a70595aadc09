package daemon

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/matheus3301/hubchat/internal/api"
	"github.com/matheus3301/hubchat/internal/bus"
	"github.com/matheus3301/hubchat/internal/chatwindow"
	"github.com/matheus3301/hubchat/internal/config"
	"github.com/matheus3301/hubchat/internal/lock"
	"github.com/matheus3301/hubchat/internal/logging"
	"github.com/matheus3301/hubchat/internal/outbox"
	"github.com/matheus3301/hubchat/internal/realtime"
	"github.com/matheus3301/hubchat/internal/session"
	"github.com/matheus3301/hubchat/internal/signalr"
	"github.com/matheus3301/hubchat/internal/status"
	"github.com/matheus3301/hubchat/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	Room    string         // room to open on start; empty = connect only
	Config  *config.Config // optional; nil = load from session.ConfigPath()
	Input   io.Reader      // optional console input, read once Room is open
	Output  io.Writer      // console output; nil = stdout
}

// Module returns the fx module for the chat daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideProfile,
			provideTokens,
			provideAPI,
			provideStore,
			provideManager,
			provideSender,
			provideWindow,
			provideConsole,
		),
		fx.Invoke(registerLifecycle),
	)
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
	l, err := lock.Acquire(session.Dir(p.Profile), p.Room)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideProfile(p Params) (config.Profile, error) {
	cfg := p.Config
	if cfg == nil {
		loaded, err := config.Load(session.ConfigPath())
		if err != nil {
			return config.Profile{}, err
		}
		cfg = loaded
	}
	return cfg.Lookup(p.Profile)
}

func provideTokens(p Params, prof config.Profile) session.TokenFile {
	return session.ProfileToken(p.Profile, prof.TokenFile)
}

func provideAPI(prof config.Profile, tokens session.TokenFile) *api.Client {
	return api.NewClient(prof.APIBaseURL, tokens)
}

func provideStore(client *api.Client, b *bus.Bus, logger *zap.Logger) *store.Store {
	return store.New(client, b, logger)
}

func provideManager(prof config.Profile, tokens session.TokenFile, m *status.Machine, st *store.Store, logger *zap.Logger) *realtime.Manager {
	policy := signalr.ExponentialRetry{
		Base:        prof.Reconnect.BaseDelay(),
		Max:         prof.Reconnect.MaxDelay(),
		MaxAttempts: prof.Reconnect.MaxAttempts,
	}
	hubURL := prof.ResolvedHubURL()
	logger.Info("hub endpoint", zap.String("url", hubURL))
	backoff := realtime.Backoff{Base: prof.Reconnect.BaseDelay(), Max: prof.Reconnect.MaxDelay()}
	return realtime.NewManager(tokens, realtime.SignalRHubs(hubURL, tokens, policy, logger), m, st, backoff, logger)
}

func provideSender(mgr *realtime.Manager, client *api.Client, st *store.Store, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(mgr, client, st, b, logger)
}

func provideWindow(prof config.Profile, mgr *realtime.Manager, st *store.Store, sender *outbox.Sender, logger *zap.Logger) *chatwindow.Window {
	return chatwindow.New(mgr, st, sender, chatwindow.Options{
		PageSize:        prof.PageSize,
		ConnectAttempts: prof.ConnectAttempts,
	}, logger)
}

func provideConsole(p Params, b *bus.Bus, logger *zap.Logger) *Console {
	out := p.Output
	if out == nil {
		out = os.Stdout
	}
	return NewConsole(out, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, prof config.Profile, lk *lock.Lock, st *store.Store, mgr *realtime.Manager, win *chatwindow.Window, console *Console, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			console.Start()

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := st.FetchRooms(runCtx); err != nil {
					logger.Warn("room list unavailable", zap.Error(err))
				}

				if p.Room == "" {
					if err := mgr.ConnectWithRetry(runCtx, prof.ConnectAttempts); err != nil && runCtx.Err() == nil {
						logger.Error("realtime connect failed", zap.Error(err))
					}
					return
				}

				if err := win.Open(runCtx, p.Room); err != nil {
					logger.Error("failed to open room", zap.String("room_id", p.Room), zap.Error(err))
					return
				}
				console.PrintHistory(st.Snapshot().Messages[p.Room])
				if p.Input != nil {
					// Not tracked by wg: a terminal read only returns on input.
					go console.ReadInput(runCtx, p.Input, win)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			wg.Wait()

			win.Close()
			mgr.Disconnect(ctx)
			st.ClearChat()
			console.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
