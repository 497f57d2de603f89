package app

import (
	"context"
	"crypto/rand"
	"fmt"
	stdhttp "net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/quartzvm/quartz/internal/auth"
	"github.com/quartzvm/quartz/internal/config"
	"github.com/quartzvm/quartz/internal/display"
	"github.com/quartzvm/quartz/internal/gateway"
	"github.com/quartzvm/quartz/internal/room"
	"github.com/quartzvm/quartz/internal/store"
	"github.com/quartzvm/quartz/internal/store/sqlite"
	transporthttp "github.com/quartzvm/quartz/internal/transport/http"
	"github.com/quartzvm/quartz/internal/upload"
)

// App wires together the gateway, the room machines, and the transport
// layer.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	gw              *gateway.Gateway
	store           store.UserStore
	machines        map[string]*room.Machine
	configPath      string
	log             *zerolog.Logger
}

// New constructs the application with the provided configuration.
// configPath is re-read on SIGHUP to apply room settings to live
// machines.
func New(cfg config.Config, configPath string, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.Auth.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.Auth.DatabasePath).Msg("database initialized")

	secret := []byte(cfg.Auth.TokenSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			st.Close()
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		logger.Warn().Msg("auth.token_secret is not set; using an ephemeral secret, session tokens will not survive a restart")
	}

	codec := auth.NewTokenCodec(auth.TokenConfig{
		Secret:   secret,
		Issuer:   cfg.Auth.TokenIssuer,
		Audience: cfg.Auth.TokenIssuer,
		TTL:      cfg.Auth.TokenTTL,
	})

	authority := auth.NewManager(codec, logger)
	local := auth.NewLocalStrategy(st)
	authority.Register(local)
	if cfg.Auth.LegacyPassword != "" {
		authority.Register(auth.NewLegacyStrategy(cfg.Auth.LegacyPassword))
	}

	uploads := upload.NewSink(logger)
	commands := gateway.NewCommands()
	registerCommands(commands)

	gw := gateway.New(authority, commands, uploads, logger)
	gw.AuthMandate = cfg.Auth.Mandate
	gw.MaxUpload = cfg.Upload.MaxSize
	gw.Instance = gateway.InstanceInfo{
		Software: cfg.Instance.Software,
		Version:  cfg.Instance.Version,
		Name:     cfg.Instance.Name,
		Contact:  cfg.Instance.Contact,
	}

	machines := make(map[string]*room.Machine, len(cfg.Rooms))
	for id, roomCfg := range cfg.Rooms {
		backend, err := display.NewStaticBackend(800, 600)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("room %s: build display backend: %w", id, err)
		}
		machine, err := room.New(gw, id, roomCfg, backend, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("room %s: %w", id, err)
		}
		gw.RegisterController(machine)
		machines[id] = machine
		logger.Info().Str("room", id).Str("name", roomCfg.DisplayName).Msg("room registered")
	}

	api := transporthttp.NewAPIHandlers(authority, local, uploads, cfg.Rooms, cfg.Upload.MaxSize, logger)
	server := transporthttp.NewServer(gw, api, cfg.Server, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.Server.ShutdownTimeout,
		gw:              gw,
		store:           st,
		machines:        machines,
		configPath:      configPath,
		log:             logger,
	}, nil
}

// registerCommands installs the chat commands beyond the built-in help.
func registerCommands(commands *gateway.Commands) {
	commands.Register(&gateway.Command{
		Name:        "kick",
		Description: "disconnect a user in the current room",
		Usage:       "/kick <nick>",
		MinArgs:     1,
		MaxArgs:     1,
		MinCaps:     auth.CapManageUsers,
		Run: func(ctx context.Context, cc *gateway.CommandContext, args []string) error {
			if cc.Room == nil {
				return fmt.Errorf("not in a room")
			}
			nick := args[0]
			for _, peer := range cc.Gateway.ChannelSessions(cc.Room.Channel()) {
				if !strings.EqualFold(peer.Nick(), nick) {
					continue
				}
				if auth.Immune(cc.Author.Caps(), peer.Caps()) {
					return fmt.Errorf("%s is immune", nick)
				}
				peer.Kick("You have been removed from the room.")
				return nil
			}
			return fmt.Errorf("no such user: %s", nick)
		},
	})
	commands.Register(&gateway.Command{
		Name:        "reset",
		Description: "reset the machine immediately, bypassing the vote",
		MinCaps:     auth.CapReset,
		Stealth:     true,
		Run: func(ctx context.Context, cc *gateway.CommandContext, args []string) error {
			machine, ok := cc.Room.(*room.Machine)
			if !ok {
				return fmt.Errorf("not in a room")
			}
			machine.ForceReset()
			return nil
		},
	})
}

// Run starts the HTTP server and blocks until context cancellation or
// fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go a.gw.RunKeepalive(ctx)
	go a.watchReload(ctx)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// watchReload re-reads the configuration on SIGHUP and applies the room
// settings to live machines. Listener and auth settings are not
// reloadable.
func (a *App) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, path, err := config.Load(a.log, a.configPath)
			if err != nil {
				a.log.Error().Err(err).Msg("config reload failed")
				continue
			}
			for id, machine := range a.machines {
				roomCfg, ok := cfg.Rooms[id]
				if !ok {
					continue
				}
				machine.LoadConfig(roomCfg)
			}
			a.log.Info().Str("config", path).Msg("room configuration reloaded")
		}
	}
}

// cleanup tears down the gateway and closes the store.
func (a *App) cleanup() {
	a.gw.Shutdown()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
