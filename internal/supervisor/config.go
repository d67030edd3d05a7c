package supervisor

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/behrlich/vmmd/internal/constants"
	"github.com/behrlich/vmmd/internal/logging"
)

// Config configures a Supervisor, mirroring the teacher's
// DefaultParams/DefaultConfig idiom: one struct, one DefaultConfig
// constructor, populated further from CLI flags in cmd/vmmd. Console ring
// capacity lives in console.Config instead — it belongs to the separate
// vmm_console process, not the supervisor.
type Config struct {
	TmpDir            string
	TapPool           []string
	MemoryBudgetMB    int64
	HelperQueueDepth  int
	HelperDialTimeout time.Duration
	StatsInterval     time.Duration
	HypervisorPath    string
	Logger            *logging.Logger
	Spawn             Spawner
}

// DefaultConfig returns the supervisor's defaults: constants.DefaultTmpDir,
// a tap pool of constants.DefaultTapPoolSize synthetic names, and the
// channel/timing defaults from internal/constants.
func DefaultConfig() Config {
	taps := make([]string, constants.DefaultTapPoolSize)
	for i := range taps {
		taps[i] = fmt.Sprintf("tap%d", i)
	}
	return Config{
		TmpDir:            constants.DefaultTmpDir,
		TapPool:           taps,
		MemoryBudgetMB:    constants.DefaultMemoryBudget,
		HelperQueueDepth:  constants.HelperChannelQueueDepth,
		HelperDialTimeout: constants.HelperDialRetryWindow,
		StatsInterval:     constants.StatsReportInterval,
		HypervisorPath:    "vmm-run",
	}
}

// Normalize fills any zero-valued field from DefaultConfig().
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.TmpDir == "" {
		c.TmpDir = d.TmpDir
	}
	if c.TapPool == nil {
		c.TapPool = d.TapPool
	}
	if c.MemoryBudgetMB <= 0 {
		c.MemoryBudgetMB = d.MemoryBudgetMB
	}
	if c.HelperQueueDepth <= 0 {
		c.HelperQueueDepth = d.HelperQueueDepth
	}
	if c.HelperDialTimeout <= 0 {
		c.HelperDialTimeout = d.HelperDialTimeout
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = d.StatsInterval
	}
	if c.HypervisorPath == "" {
		c.HypervisorPath = d.HypervisorPath
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.Spawn == nil {
		c.Spawn = DefaultSpawner(c.HypervisorPath)
	}
}

func (c Config) commandSocketPath() string {
	return filepath.Join(c.TmpDir, constants.CommandSocketName)
}

func (c Config) consoleSocketPath() string {
	return filepath.Join(c.TmpDir, constants.ConsoleSocketName)
}

func (c Config) statsSocketPath() string {
	return filepath.Join(c.TmpDir, constants.StatsSocketName)
}

func (c Config) logSocketPath() string {
	return filepath.Join(c.TmpDir, constants.LogSocketName)
}
