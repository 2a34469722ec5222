package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/genzplug/fanout"
	"github.com/genzplug/fanout/config"
	"github.com/genzplug/fanout/registry"
	"github.com/genzplug/fanout/router"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	serviceName             = "socket-server"
	defaultShutdownDeadline = 10 * time.Second
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Msg("failed to load .env")
	}

	fs := config.FlagSet("fanout-server")
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	configPath, _ := fs.GetString("config")

	cfg, err := config.Load(configPath, fs)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	configured, err := cfg.NewLogger()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = configured

	store := registry.NewMemory(&registry.Config{
		ChatHistoryLimit: cfg.ChatHistoryLimit,
		FeedLimit:        cfg.FeedLimit,
		Logger:           &logger,
	})
	if cfg.ChatHistoryLimit == 0 {
		logger.Warn().Msg("chat history is unbounded, set chat_history_limit to cap memory use")
	}

	srv := fanout.NewServer(&fanout.Config{
		PingInterval:   cfg.PingInterval,
		PingTimeout:    cfg.PingTimeout,
		MaxPayload:     cfg.MaxPayload,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         &logger,
	})

	rt, err := router.New(&router.Config{
		Store:       store,
		Broadcaster: srv,
		Logger:      &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create router")
	}
	rt.Bind(srv)

	janitor, err := registry.StartJanitor(store, cfg.JanitorSchedule, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid janitor schedule")
	}
	defer janitor.Stop()

	r := mux.NewRouter()
	r.HandleFunc("/health", srv.Health(serviceName)).Methods(http.MethodGet)
	r.PathPrefix(fanout.DefaultPath).Handler(srv)

	// bind before serving so a taken port aborts startup
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Addr()).Msg("failed to listen")
	}

	httpSrv := &http.Server{Handler: r}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- httpSrv.Serve(ln)
	}()
	logger.Info().
		Str("addr", ln.Addr().String()).
		Strs("allowedOrigins", cfg.AllowedOrigins).
		Msg("server started")

	select {
	case err = <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("unexpected server error, shutting down")
		}
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}

	_ = srv.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
	defer shutdownCancel()
	if err = httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during server shutdown")
	}
	logger.Debug().Msg("server stopped")
}
