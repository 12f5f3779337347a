// Package main provides the bot entry point.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	apiconnect "github.com/osa030/19dj/internal/api/connect"
	"github.com/osa030/19dj/internal/app/filter"
	"github.com/osa030/19dj/internal/app/notification"
	"github.com/osa030/19dj/internal/app/resolver"
	"github.com/osa030/19dj/internal/app/session"
	"github.com/osa030/19dj/internal/infra/config"
	"github.com/osa030/19dj/internal/infra/discord"
	"github.com/osa030/19dj/internal/infra/lavalink"
	"github.com/osa030/19dj/internal/infra/logger"
	"github.com/osa030/19dj/internal/infra/metrics"
	"github.com/osa030/19dj/internal/infra/prefs"
	"github.com/osa030/19dj/internal/infra/spotify"
)

const shutdownTimeout = 10 * time.Second

var (
	app        = kingpin.New("19dj", "19dj music bot")
	configPath = app.Flag("config", "Path to config file").Default("config/bot.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()

	// list-filters command
	listFiltersCmd = app.Command("list-filters", "List available filters and exit")
)

func init() {
	app.Command("start", "Start the bot (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == listFiltersCmd.FullCommand() {
		printFilters()
		return
	}

	loggerConfig := logger.Config{Output: "stdout", Level: "info", Name: "19dj"}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
	}
	closer, err := logger.Init(loggerConfig)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer closer.Close()

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Bot error: %v", err)
		closer.Close()
		os.Exit(1)
	}
}

// run wires every component and blocks until a shutdown signal or a fatal error.
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Chat platform
	dg, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return errors.Wrap(err, "failed to create discord session")
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := dg.Open(); err != nil {
		return errors.Wrap(err, "failed to open discord session")
	}
	defer dg.Close()
	zlog.Info().Msgf("Connected to discord: user=%s", dg.State.User.ID)

	// Audio nodes
	pool, err := lavalink.NewPool(lavalinkConfig(cfg, dg.State.User.ID))
	if err != nil {
		return errors.Wrap(err, "failed to create lavalink pool")
	}
	pool.Start(ctx)
	defer pool.Close()

	// Resolvers
	var catalog resolver.Catalog
	if cfg.SpotifyEnabled() {
		sp, err := spotify.New(ctx, spotify.Config{
			ClientID:     cfg.Spotify.ClientID,
			ClientSecret: cfg.Spotify.ClientSecret,
			Market:       cfg.Spotify.Market,
		})
		if err != nil {
			return errors.Wrap(err, "failed to create spotify client")
		}
		catalog = sp
	}
	resolvers, err := resolver.NewChainFromConfig(cfg, pool, catalog)
	if err != nil {
		return errors.Wrap(err, "failed to create resolver chain")
	}

	filters, err := filter.NewChainFromConfig(cfg)
	if err != nil {
		return errors.Wrap(err, "invalid filter config")
	}

	store, err := prefs.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "failed to open preference store")
	}
	defer store.Close()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(promRegistry)

	notifier := notification.NewManager()
	defer notifier.Close()

	sessionMgr, err := session.NewManager(session.Deps{
		Config:   cfg,
		Resolver: resolvers,
		Filters:  filters,
		Endpoint: pool,
		Voice:    discord.NewVoiceGateway(dg),
		Sink: discord.NewPresenter(dg, discord.PresenterConfig{
			EditsPerSecond: cfg.Discord.EditsPerSecond,
			Burst:          cfg.Discord.EditBurst,
		}),
		Prefs:    store,
		Notifier: notifier,
		Metrics:  recorder,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create session manager")
	}

	// Control API
	mux := http.NewServeMux()
	controlPath, controlHandler := apiconnect.NewControlService(sessionMgr, notifier).Handler(
		connect.WithInterceptors(apiconnect.NewTokenInterceptor(cfg.Control.Token)),
	)
	mux.Handle(controlPath, controlHandler)
	mux.Handle("/metrics", metrics.Handler(promRegistry))

	g, gctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:              cfg.Control.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		// Watch streams end when shutdown starts
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		zlog.Info().Msgf("Starting control server: addr=%s", cfg.Control.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "control server")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		zlog.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Leave voice and clear messages while the platform session is still open
		sessionMgr.Close(shutdownCtx)

		if err := server.Shutdown(shutdownCtx); err != nil {
			zlog.Error().Msgf("Failed to shutdown control server: %v", err)
		}
		return nil
	})

	err = g.Wait()
	zlog.Info().Msg("Bot stopped")
	return err
}

func lavalinkConfig(cfg *config.Config, userID string) lavalink.Config {
	lc := lavalink.Config{
		UserID:         userID,
		ClientName:     cfg.Lavalink.ClientName,
		ReconnectDelay: time.Duration(cfg.Lavalink.ReconnectDelayMs) * time.Millisecond,
		RequestTimeout: time.Duration(cfg.Lavalink.RequestTimeoutMs) * time.Millisecond,
	}
	for _, n := range cfg.Lavalink.Nodes {
		lc.Nodes = append(lc.Nodes, lavalink.NodeConfig{
			Name:     n.Name,
			Address:  n.Address,
			Password: n.Password,
			Secure:   n.Secure,
		})
	}
	return lc
}

// printFilters prints available filters.
func printFilters() {
	registered := filter.GetRegistered()
	names := make([]string, 0, len(registered))
	for name := range registered {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Available Filters:")
	for _, name := range names {
		f := registered[name]()
		codes := strings.Join(f.ReturnCodes(), ", ")
		fmt.Printf("  %-30s - %s [codes: %s]\n", f.Name(), f.Description(), codes)
	}
}
