package console

import (
	"path/filepath"

	"github.com/behrlich/vmmd/internal/constants"
	"github.com/behrlich/vmmd/internal/logging"
)

// Config configures a standalone vmm_console process: where FIFOs and the
// ring capacity live, and which socket to listen on.
type Config struct {
	TmpDir       string
	SocketPath   string // overrides TmpDir-derived default when set; see the -s/--socket flag
	RingCapacity int
	Logger       *logging.Logger
}

// DefaultConfig mirrors the teacher's DefaultParams/DefaultConfig idiom.
func DefaultConfig() Config {
	return Config{
		TmpDir:       constants.DefaultTmpDir,
		RingCapacity: DefaultRingCapacity,
	}
}

// Normalize fills any zero-valued field from DefaultConfig(), the same
// "start from defaults, only flags override" shape cmd/vmm_console's main
// uses after parsing.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.TmpDir == "" {
		c.TmpDir = d.TmpDir
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = d.RingCapacity
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
}

// ListenSocketPath returns the effective socket path: SocketPath if set,
// otherwise "<tmpdir>/cons.sock".
func (c Config) ListenSocketPath() string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	return filepath.Join(c.TmpDir, constants.ConsoleSocketName)
}
