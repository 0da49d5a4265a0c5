// Command chat is a websocket chat server whose rooms span every process
// sharing the configured bus. Run two copies against one Redis to see
// messages cross between them:
//
//	BACKPLANE_BUS_KIND=redis go run ./example/chat -addr :8080
//	BACKPLANE_BUS_KIND=redis go run ./example/chat -addr :8081
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jonoton/go-backplane"
	"github.com/jonoton/go-backplane/config"
	"github.com/jonoton/go-backplane/membus"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML, JSON or TOML config file")
	addr := flag.String("addr", ":8080", "listen address")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
		membus.SetDebug(true)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	if err := run(*configPath, *addr, log); err != nil {
		log.Fatal().Err(err).Msg("chat server failed")
	}
}

func run(configPath, addr string, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	hub, err := backplane.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer hub.Close()

	// Sockets are closed on shutdown through this context.
	connCtx, closeConns := context.WithCancel(context.Background())
	defer closeConns()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newServer(connCtx, hub, log).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("bus", cfg.Bus.Kind).Msg("chat server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	closeConns()
	return srv.Shutdown(shutdownCtx)
}
