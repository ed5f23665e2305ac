// Command pyexec is the script host: one process per running algorithm. It
// loads the prepend window from the shared-memory handoff, serves tick frames
// from its unix socket and answers each accepted invocation with the script's
// decision value. Invoked by the supervisor as: pyexec <algorithm-id>
// <re-run-seconds>.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"algonline/internal/script"
	"algonline/pkg/logging"
)

func main() {
	algoDir := flag.String("algos", envOr("ALGONLINE_ALGO_DIR", "trading_algos"), "Directory of uploaded scripts")
	shmemDir := flag.String("shmem", envOr("ALGONLINE_SHMEM_DIR", "shmem"), "Directory of shared-memory handoff files")
	socketDir := flag.String("sockets", envOr("ALGONLINE_SOCKET_DIR", "sockets"), "Directory of IPC sockets")
	pythonBin := flag.String("python", envOr("ALGONLINE_PYTHON_BIN", "python3"), "Python interpreter binary")
	logLevel := flag.String("log-level", envOr("ALGONLINE_LOG_LEVEL", "INFO"), "Log level")
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: pyexec [flags] <algorithm-id> <re-run-seconds>")
		os.Exit(2)
	}
	algorithmID := args[0]
	runEverySec, err := strconv.Atoi(args[1])
	if err != nil || runEverySec < 0 {
		fmt.Fprintf(os.Stderr, "invalid re-run period %q\n", args[1])
		os.Exit(2)
	}

	zapLogger, err := logging.NewZapLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger := zapLogger.WithField("algorithm_id", algorithmID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host := &script.Host{
		AlgorithmID: algorithmID,
		RunEverySec: runEverySec,
		AlgoDir:     *algoDir,
		ShmemDir:    *shmemDir,
		SocketDir:   *socketDir,
		Interp:      script.NewPythonInterpreter(*pythonBin),
		Logger:      logger,
	}

	logger.Info("Script host serving", "run_every_sec", runEverySec)
	if err := host.Run(ctx); err != nil {
		logger.Error("Script host failed", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
