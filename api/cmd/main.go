package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/baechuer/booking-confirmation/internal/bootstrap"
	"github.com/baechuer/booking-confirmation/internal/logger"
)

type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type builder func() (runner, func(), error)

const stopTimeout = 30 * time.Second

// Run returns the process exit code: 0 after a clean stop on signal, 1 on
// a bootstrap failure, a crash, or a stop that overran stopTimeout.
func Run(build builder, sigCh <-chan os.Signal, lg zerolog.Logger) int {
	app, cleanup, err := build()
	if err != nil {
		lg.Error().Err(err).Msg("bootstrap failed")
		return 1
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	crashed := make(chan error, 1)
	go func() {
		lg.Info().Msg("confirmation-service starting")
		if err := app.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			crashed <- err
		}
	}()

	code := 0
	select {
	case sig := <-sigCh:
		lg.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-crashed:
		lg.Error().Err(err).Msg("confirmation-service stopped unexpectedly")
		code = 1
	}

	if err := stop(app); err != nil {
		lg.Error().Err(err).Msg("graceful stop failed")
		return 1
	}
	if code == 0 {
		lg.Info().Msg("shutdown complete")
	}
	return code
}

func stop(app runner) error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return app.Stop(ctx)
}

func newApp() (runner, func(), error) {
	app, cleanup, err := bootstrap.NewApp()
	if err != nil {
		return nil, nil, err
	}
	return app, cleanup, nil
}

func main() {
	logger.Init()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	os.Exit(Run(newApp, sigCh, zlog.Logger))
}
