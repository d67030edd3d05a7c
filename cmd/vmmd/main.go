// Command vmmd is the VM lifecycle supervisor: it hosts the engine, owns
// the command-listen socket, and connects outward to the console, log, and
// stats helpers.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/behrlich/vmmd/internal/constants"
	"github.com/behrlich/vmmd/internal/logging"
	"github.com/behrlich/vmmd/internal/supervisor"
)

func main() {
	var (
		tmpDir     = flag.String("tmpdir", constants.DefaultTmpDir, "directory holding every local socket and FIFO")
		hypervisor = flag.String("hypervisor", "vmm-run", "path to the hypervisor binary spawned for each VM")
		verbose    = flag.Bool("v", false, "verbose (debug-level) logging")
		noColor    = flag.Bool("no-color", false, "disable ANSI color in log output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logConfig.NoColor = *noColor
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := supervisor.DefaultConfig()
	cfg.TmpDir = *tmpDir
	cfg.HypervisorPath = *hypervisor
	cfg.Logger = logger

	sup, err := supervisor.New(cfg)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run() }()

	select {
	case err := <-runErr:
		logger.Error("supervisor exited", "err", err)
		fmt.Fprintln(os.Stderr, "vmmd: "+err.Error())
		os.Exit(1)
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		sup.Close()
		os.Exit(0)
	}
}
