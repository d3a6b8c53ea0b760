package kernel

import (
	"strconv"
	"strings"

	"github.com/vellum-os/vellum/klog"
)

// Config is the boot-time configuration populated from the bootloader's
// cmdline string: system ceilings and the ambient log level.
type Config struct {
	MaxCPUs       int
	MaxTasks      int
	MaxSHMBuffers int
	LogLevel      klog.Level
	CompositorOn  bool
}

// DefaultConfig returns the ceilings spec.md and SPEC_FULL.md name when
// the cmdline is silent.
func DefaultConfig() Config {
	return Config{
		MaxCPUs:       32,
		MaxTasks:      256,
		MaxSHMBuffers: 256,
		LogLevel:      klog.LevelInfo,
		CompositorOn:  true,
	}
}

// ParseCmdline builds a Config by layering "key=value" tokens from cmdline
// over DefaultConfig, split on whitespace the way
// original_source/drivers/src/interrupts.rs's config_from_cmdline does.
func ParseCmdline(cmdline string) Config {
	cfg := DefaultConfig()
	for _, token := range strings.Fields(cmdline) {
		key, value, ok := strings.Cut(token, "=")
		if !ok {
			continue
		}
		switch key {
		case "max_cpus":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				cfg.MaxCPUs = n
			}
		case "max_tasks":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				cfg.MaxTasks = n
			}
		case "max_shm_buffers":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				cfg.MaxSHMBuffers = n
			}
		case "log":
			cfg.LogLevel = parseLogLevel(value)
		case "compositor":
			cfg.CompositorOn = value != "off"
		}
	}
	return cfg
}

func parseLogLevel(value string) klog.Level {
	switch value {
	case "debug":
		return klog.LevelDebug
	case "info":
		return klog.LevelInfo
	case "warn":
		return klog.LevelWarn
	case "fatal":
		return klog.LevelFatal
	default:
		return klog.LevelInfo
	}
}
