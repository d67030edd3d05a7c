// Package constants holds the compile-time defaults shared by vmmd and
// vmm_console: socket file names inside the configured temp directory,
// default resource budgets, and helper-channel tuning.
package constants

import "time"

// DefaultTmpDir is the startup-configured directory holding every local
// socket and FIFO. Overridable per process via flags; this is the fallback.
const DefaultTmpDir = "/var/run/vmmd"

// Socket file names, each relative to the configured temp directory.
const (
	CommandSocketName = "vmmd.sock" // client-facing command socket
	ConsoleSocketName = "cons.sock" // console multiplexer helper
	StatsSocketName   = "stat.sock" // stats helper (optional)
	LogSocketName     = "log.sock"  // log helper
)

// Default resource budgets for the engine's ResourcePool.
const (
	DefaultTapPoolSize  = 256      // number of pre-named tap devices available for reservation
	DefaultMemoryBudget = 64 << 10 // megabytes (64 * 1024 = 65536 MiB = 64GiB) total reservable across all VMs
)

// DefaultConsoleRingCapacity is the number of (timestamp, line) pairs each
// per-VM console ring retains.
const DefaultConsoleRingCapacity = 4096

// HelperChannelQueueDepth bounds each helper's outbound frame queue. Once
// full, the sender backs up the goroutine enqueuing frames rather than
// growing without bound (per the helper fan-out's backpressure requirement).
const HelperChannelQueueDepth = 1024

// HelperDialRetryWindow bounds how long the supervisor watches a helper
// socket's directory for the socket file to appear before giving up.
const HelperDialRetryWindow = 5 * time.Second

// StatsReportInterval is how often the supervisor's stats reporter logs a
// summary line.
const StatsReportInterval = 30 * time.Second
