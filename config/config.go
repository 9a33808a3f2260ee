// Package config carries the boot policy knobs. Defaults boot a machine
// with no configuration present; an optional paintbrush.yaml fetched over
// the boot transport overlays them.
package config

import (
	"gopkg.in/yaml.v3"

	"github.com/ctfhacker/paintbrush/firmware"
	"github.com/ctfhacker/paintbrush/kernel"
	"github.com/ctfhacker/paintbrush/mem"
)

// ConfigFileName is the optional policy file fetched over the boot
// transport.
const ConfigFileName = "paintbrush.yaml"

// maxConfigSize bounds the policy file download.
const maxConfigSize = 16 * 1024

var (
	// ErrBadConfig is returned when the policy file exists but cannot be
	// parsed.
	ErrBadConfig = &kernel.Error{Module: "config", Message: "boot policy file rejected"}

	// ErrBadValue is returned when a policy value fails validation.
	ErrBadValue = &kernel.Error{Module: "config", Message: "boot policy value out of range"}
)

// Config is the boot policy.
type Config struct {
	// KernelPath is the name of the kernel image on the boot transport.
	KernelPath string `yaml:"kernel_path"`

	// KernelBufferSize is the size of the kernel download buffer.
	KernelBufferSize uint64 `yaml:"kernel_buffer_size"`

	// MaxCores caps how many logical cores the loader activates,
	// including the boot processor. Zero means every enabled core.
	MaxCores int `yaml:"max_cores"`

	// StackSize is the per-core kernel stack size in bytes. Must be a
	// page multiple.
	StackSize uint64 `yaml:"stack_size"`

	// PollIterations bounds the liveness spin after each core start.
	PollIterations int `yaml:"poll_iterations"`

	// PollStallMicros is the stall between liveness polls.
	PollStallMicros uint64 `yaml:"poll_stall_micros"`

	// StatsRounds is how many stats aggregation rounds the monitor runs.
	StatsRounds int `yaml:"stats_rounds"`

	// StatsIntervalMicros is the stall between aggregation rounds.
	StatsIntervalMicros uint64 `yaml:"stats_interval_micros"`

	// HandoffArenaAlign is the alignment of the handoff arena.
	HandoffArenaAlign uint64 `yaml:"handoff_arena_align"`

	// Reserved lists physical ranges the allocator must never hand out,
	// such as the loader's own image and stack.
	Reserved []ReservedRange `yaml:"reserved"`
}

// ReservedRange is one half-open physical range withheld from allocation.
type ReservedRange struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

// Default returns the policy used when no configuration file is present.
func Default() Config {
	return Config{
		KernelPath:          "paintbrush.kern",
		KernelBufferSize:    uint64(64 * mem.Mb),
		MaxCores:            0,
		StackSize:           uint64(64 * mem.Kb),
		PollIterations:      1000,
		PollStallMicros:     100,
		StatsRounds:         10,
		StatsIntervalMicros: 500 * 1000,
		HandoffArenaAlign:   uint64(mem.PageSize),
	}
}

// Load returns the default policy overlaid with paintbrush.yaml when the
// boot transport serves one. A missing file is not an error; a present but
// unparsable or invalid file is.
func Load(fw firmware.Services, chain *kernel.Chain) (Config, *kernel.Error) {
	cfg := Default()

	var buf [maxConfigSize]byte
	got, err := fw.ReadFile(ConfigFileName, buf[:])
	if err == firmware.ErrFileNotFound {
		return cfg, nil
	}
	if err != nil {
		chain.Report(err)
		return cfg, chain.Report(ErrBadConfig)
	}

	if yamlErr := yaml.Unmarshal(buf[:got], &cfg); yamlErr != nil {
		return cfg, chain.Report(ErrBadConfig)
	}

	if err := cfg.Validate(); err != nil {
		chain.Report(err)
		return cfg, chain.Report(ErrBadConfig)
	}
	return cfg, nil
}

// Validate rejects policies the loader cannot honor.
func (c *Config) Validate() *kernel.Error {
	switch {
	case c.KernelPath == "":
		return ErrBadValue
	case c.KernelBufferSize == 0:
		return ErrBadValue
	case c.MaxCores < 0:
		return ErrBadValue
	case c.StackSize == 0 || c.StackSize%uint64(mem.PageSize) != 0:
		return ErrBadValue
	case c.PollIterations <= 0:
		return ErrBadValue
	case c.StatsRounds < 0:
		return ErrBadValue
	case c.HandoffArenaAlign == 0 || c.HandoffArenaAlign&(c.HandoffArenaAlign-1) != 0:
		return ErrBadValue
	}

	for _, r := range c.Reserved {
		if r.End <= r.Start {
			return ErrBadValue
		}
	}
	return nil
}
