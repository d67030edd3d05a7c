// Command vmm_console is the console multiplexer: it tails each VM's FIFO
// into a bounded ring buffer and serves Add/Attach/Detach/History requests
// over its command socket.
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/behrlich/vmmd/internal/console"
	"github.com/behrlich/vmmd/internal/constants"
	"github.com/behrlich/vmmd/internal/logging"
)

func main() {
	var socketPath string
	// Both names write to the same destination, the stdlib-idiomatic way to
	// offer a short and long flag alias without a CLI framework dependency.
	flag.StringVar(&socketPath, "s", "", "socket to listen on (default <tmpdir>/cons.sock)")
	flag.StringVar(&socketPath, "socket", "", "socket to listen on (default <tmpdir>/cons.sock)")
	tmpDir := flag.String("tmpdir", constants.DefaultTmpDir, "directory holding FIFOs and the default socket")
	verbose := flag.Bool("v", false, "verbose (debug-level) logging")
	noColor := flag.Bool("no-color", false, "disable ANSI color in log output")
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logConfig.NoColor = *noColor
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := console.Config{TmpDir: *tmpDir, SocketPath: socketPath, Logger: logger}
	cfg.Normalize()

	mux := console.New(cfg.Logger, cfg.RingCapacity)
	srv := console.NewServer(mux, cfg.TmpDir, cfg.Logger)

	listenPath := cfg.ListenSocketPath()
	os.Remove(listenPath)
	ln, err := net.Listen("unix", listenPath)
	if err != nil {
		logger.Error("listen failed", "path", listenPath, "err", err)
		os.Exit(1)
	}
	logger.Info("vmm_console listening", "socket", listenPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case err := <-serveErr:
		logger.Error("serve exited", "err", err)
		os.Exit(1)
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		ln.Close()
		os.Exit(0)
	}
}
