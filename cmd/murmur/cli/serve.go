package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/murmur/internal/agent"
	"github.com/felixgeelhaar/murmur/internal/clock"
	"github.com/felixgeelhaar/murmur/internal/coach"
	"github.com/felixgeelhaar/murmur/internal/config"
	"github.com/felixgeelhaar/murmur/internal/guard"
	"github.com/felixgeelhaar/murmur/internal/identity"
	"github.com/felixgeelhaar/murmur/internal/kv"
	"github.com/felixgeelhaar/murmur/internal/observe"
	"github.com/felixgeelhaar/murmur/internal/provider"
	"github.com/felixgeelhaar/murmur/internal/runtime"
	"github.com/felixgeelhaar/murmur/internal/store"
	"github.com/felixgeelhaar/murmur/internal/transport"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and websocket server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}

		obs, err := openObserver(os.Stderr, cfg.Log)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := NewApp(ctx, cfg, obs, clock.Real())
		if err != nil {
			obs.Log().Error().Err(err).Msg("failed to start")
			return err
		}
		defer app.Close()

		if loader.Watch(func(next *config.Config, err error) {
			if err != nil {
				obs.Log().Warn().Err(err).Msg("ignoring config change")
				return
			}
			obs.SetVerbose(next.Log.Verbose || verbose)
			obs.Log().Info().Str("file", loader.File()).Msg("config reloaded")
		}) {
			obs.Log().Info().Str("file", loader.File()).Msg("watching config")
		}

		go app.Sweep(ctx, cfg.Store.SweepInterval)
		return app.Server.Run(ctx, cfg.Server.Addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	},
}

func init() {
	RootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}

// App is a fully wired server and the backend it runs on.
type App struct {
	Server   *transport.Server
	Store    *store.Store
	Streamer *runtime.Streamer
	Bus      *runtime.EventBus

	backend kv.Store
	obs     *observe.Observer
}

// NewApp wires every component for cfg.
func NewApp(ctx context.Context, cfg *config.Config, obs *observe.Observer, clk clock.Clock) (*App, error) {
	opts := cfg.KV()
	opts.Clock = clk
	backend, err := kv.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}

	p, err := provider.New(cfg.ProviderConfig())
	if err != nil {
		backend.Close()
		return nil, err
	}
	c, err := coach.New()
	if err != nil {
		backend.Close()
		return nil, err
	}

	st := store.New(backend, clk, cfg.Limits())
	bus := runtime.NewEventBus(clk)
	bus.SubscribeAll(runtime.LogEvents(obs.Log()))
	reg := runtime.NewRegistry(cfg.Server.SendTimeout, obs.Log(), bus)

	tools := runtime.NewToolRegistry()
	if err := agent.RegisterBuiltins(tools, clk); err != nil {
		backend.Close()
		return nil, err
	}

	streamer := runtime.NewStreamer(runtime.StreamerConfig{
		Store:    st,
		Bridge:   identity.NewBridge(st.Rooms, obs.Log()),
		Registry: reg,
		Tools:    tools,
		Observer: obs,
		Bus:      bus,
		Clock:    clk,
	})
	g := guard.New(cfg.Policy())

	ag := agent.New(agent.Config{
		Provider: p,
		Streamer: streamer,
		Store:    st,
		Tools:    tools,
		Guard:    g,
		Titler:   agent.NewTitler(p, st, streamer, bus),
		Observer: obs,
		Clock:    clk,
	})

	srv := transport.New(transport.Config{
		Store:    st,
		Streamer: streamer,
		Registry: reg,
		Agent:    ag,
		Coach:    c,
		Guard:    g,
		Observer: obs,
	})

	obs.Log().Info().
		Str("backend", cfg.Store.Backend).
		Str("provider", p.Name()).
		Msg("murmur initialized")

	return &App{
		Server:   srv,
		Store:    st,
		Streamer: streamer,
		Bus:      bus,
		backend:  backend,
		obs:      obs,
	}, nil
}

// Sweep purges expired keys every interval until ctx is done. Backends
// that expire keys themselves are left alone.
func (a *App) Sweep(ctx context.Context, interval time.Duration) {
	sw, ok := a.backend.(kv.Sweeper)
	if !ok || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sw.Sweep(ctx)
			if err != nil {
				a.obs.Log().Warn().Err(err).Msg("sweep failed")
				continue
			}
			if n > 0 {
				a.obs.Log().Debug().Int("keys", n).Msg("swept expired keys")
			}
		}
	}
}

// Close waits for running turns and releases the backend.
func (a *App) Close() error {
	a.Server.Wait()
	return a.backend.Close()
}
