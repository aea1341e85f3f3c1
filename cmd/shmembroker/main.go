//go:build linux

// Command shmembroker runs the Manager: the single-threaded reactor daemon
// that rendezvous writer/reader client processes onto shared-memory
// broadcast channels over a Unix-domain socket.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/shmembroker/internal/config"
	"github.com/adred-codev/shmembroker/internal/health"
	"github.com/adred-codev/shmembroker/internal/manager"
	"github.com/adred-codev/shmembroker/internal/metrics"
)

// Exit codes per the CLI contract: 1 on bad arguments or environment, 255
// if run() ever returns at all — the reactor loop, the daemonize handoff,
// even a clean signal-triggered shutdown — since the original's dispatcher
// loop never returns on its own. 0 is never used.
const (
	exitBadArgs     = 1
	exitReactorExit = 255
)

func main() {
	flags, env, err := parseArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "shmembroker: %v\n", err)
		os.Exit(exitBadArgs)
	}

	if err := run(flags, env); err != nil {
		fmt.Fprintf(os.Stderr, "shmembroker: %v\n", err)
	}
	os.Exit(exitReactorExit)
}

// parseArgs validates CLI flags and the ambient environment. Its failures
// are the only ones that earn exitBadArgs — everything past this point
// belongs to run(), whose every return (error or not) is exitReactorExit.
func parseArgs() (*config.Flags, *config.Env, error) {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return nil, nil, fmt.Errorf("parse flags: %w", err)
	}

	env, err := config.LoadEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("load environment: %w", err)
	}

	return flags, env, nil
}

func run(flags *config.Flags, env *config.Env) error {
	if flags.Daemonize {
		return daemonizeAndReexec()
	}

	logger := newLogger(env)
	logger.Info().
		Str("vlan", flags.VLAN).
		Uint64("buffer_size", flags.BufferSize).
		Str("log_file", flags.LogFilePath).
		Msg("starting shmembroker manager")

	registry := prometheus.NewRegistry()
	metricsSet := metrics.New(registry)

	mgr, err := manager.New(manager.Config{Flags: flags, Env: env}, metricsSet)
	if err != nil {
		return fmt.Errorf("initialize manager: %w", err)
	}
	defer mgr.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	healthServer := health.New(env.HealthAddr, mgr, metricsHandler)
	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- healthServer.Serve(ctx)
	}()

	managerErrCh := make(chan error, 1)
	go func() {
		managerErrCh <- mgr.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-managerErrCh:
		stop()
		if err != nil {
			logger.Error().Err(err).Msg("manager reactor loop exited")
			return err
		}
		logger.Info().Msg("manager stopped")
		return nil
	case err := <-httpErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("health server exited")
		}
		stop()
	}

	if err := <-managerErrCh; err != nil {
		logger.Error().Err(err).Msg("manager reactor loop exited")
		return err
	}
	logger.Info().Msg("manager stopped")
	return nil
}

func newLogger(env *config.Env) zerolog.Logger {
	zerolog.SetGlobalLevel(env.ZerologLevel())

	var output io.Writer = os.Stdout
	if env.LogFormat == "console" {
		output = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	return zerolog.New(output).With().Timestamp().Str("service", "shmembroker").Logger()
}

// daemonizeAndReexec re-execs the process detached from the controlling
// terminal, in its own session — Go has no fork(), so unlike
// original_source's DaemonUtil::daemonize() this spawns a child with
// Setsid instead of forking the running process in place.
func daemonizeAndReexec() error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemonize: resolve executable: %w", err)
	}

	args := make([]string, 0, len(os.Args)-1)
	for _, arg := range os.Args[1:] {
		if arg != "--daemon" && arg != "-daemon" {
			args = append(args, arg)
		}
	}

	cmd := exec.Command(executable, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("daemonize: open /dev/null: %w", err)
	}
	defer devNull.Close()
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemonize: start child: %w", err)
	}
	return nil
}
