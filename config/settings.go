// Package config holds the debug settings that tune a device's submission, wait and residency behavior.
// Settings come from defaults, optionally overlaid by a YAML file, optionally overlaid by CSR_ environment
// variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
	"gopkg.in/yaml.v3"
)

// Retention decides what a sweep does with a temporary allocation whose fences have all completed
type Retention string

const (
	// RetentionFree destroys completed temporary allocations
	RetentionFree Retention = "free"
	// RetentionReuse moves completed temporary allocations onto the reusable list
	RetentionReuse Retention = "reuse"
)

const EnvPrefix = "CSR_"

type Settings struct {
	// WaitForMemoryRelease keeps retrying a forced pin while other work releases memory
	WaitForMemoryRelease bool `yaml:"waitForMemoryRelease"`
	// MemoryReleaseRetryLimit bounds the forced pin retries. Zero means a single forced attempt.
	MemoryReleaseRetryLimit int `yaml:"memoryReleaseRetryLimit"`
	// MemoryReleaseRetryInterval paces forced pin retries
	MemoryReleaseRetryInterval time.Duration `yaml:"memoryReleaseRetryInterval"`

	// SpinWaitDuration is how long a fence wait polls before sleeping in the platform driver
	SpinWaitDuration time.Duration `yaml:"spinWaitDuration"`
	// HangCheckInterval is the longest a fence wait sleeps before checking for a GPU hang
	HangCheckInterval time.Duration `yaml:"hangCheckInterval"`

	TemporaryRetention Retention `yaml:"temporaryRetention"`
	// PeriodicTrimInterval is how often the background trim runs. Zero disables it.
	PeriodicTrimInterval time.Duration `yaml:"periodicTrimInterval"`

	// NewResourceImplicitFlush asks producers to flush as soon as a never-before-resident allocation is gathered
	NewResourceImplicitFlush bool `yaml:"newResourceImplicitFlush"`
	// GpuIdleImplicitFlush asks producers to flush whenever the engine has caught up with everything flushed
	GpuIdleImplicitFlush bool `yaml:"gpuIdleImplicitFlush"`
	// CommandBufferSize is the default size of each command buffer a receiver allocates
	CommandBufferSize uint64 `yaml:"commandBufferSize"`

	LogLevel string `yaml:"logLevel"`
}

func Default() Settings {
	return Settings{
		WaitForMemoryRelease:       false,
		MemoryReleaseRetryLimit:    8,
		MemoryReleaseRetryInterval: time.Millisecond,
		SpinWaitDuration:           20 * time.Microsecond,
		HangCheckInterval:          time.Second,
		TemporaryRetention:         RetentionFree,
		PeriodicTrimInterval:       0,
		NewResourceImplicitFlush:   false,
		GpuIdleImplicitFlush:       false,
		CommandBufferSize:          64 * 1024,
		LogLevel:                   "info",
	}
}

// Parse overlays the YAML document in data on top of the defaults
func Parse(data []byte) (Settings, error) {
	settings := Default()

	err := yaml.Unmarshal(data, &settings)
	if err != nil {
		return settings, errors.Wrap(err, "failed to parse settings")
	}

	return settings, settings.Validate()
}

func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), errors.Wrapf(err, "failed to read settings file %s", path)
	}

	return Parse(data)
}

type envSetter func(s *Settings, value string) error

func boolSetter(field func(s *Settings) *bool) envSetter {
	return func(s *Settings, value string) error {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*field(s) = parsed
		return nil
	}
}

func durationSetter(field func(s *Settings) *time.Duration) envSetter {
	return func(s *Settings, value string) error {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*field(s) = parsed
		return nil
	}
}

var envSetters = map[string]envSetter{
	"WAIT_FOR_MEMORY_RELEASE": boolSetter(func(s *Settings) *bool { return &s.WaitForMemoryRelease }),
	"MEMORY_RELEASE_RETRY_LIMIT": func(s *Settings, value string) error {
		parsed, err := strconv.Atoi(value)
		s.MemoryReleaseRetryLimit = parsed
		return err
	},
	"MEMORY_RELEASE_RETRY_INTERVAL": durationSetter(func(s *Settings) *time.Duration { return &s.MemoryReleaseRetryInterval }),
	"SPIN_WAIT_DURATION":            durationSetter(func(s *Settings) *time.Duration { return &s.SpinWaitDuration }),
	"HANG_CHECK_INTERVAL":           durationSetter(func(s *Settings) *time.Duration { return &s.HangCheckInterval }),
	"TEMPORARY_RETENTION": func(s *Settings, value string) error {
		s.TemporaryRetention = Retention(strings.ToLower(value))
		return nil
	},
	"PERIODIC_TRIM_INTERVAL":      durationSetter(func(s *Settings) *time.Duration { return &s.PeriodicTrimInterval }),
	"NEW_RESOURCE_IMPLICIT_FLUSH": boolSetter(func(s *Settings) *bool { return &s.NewResourceImplicitFlush }),
	"GPU_IDLE_IMPLICIT_FLUSH":     boolSetter(func(s *Settings) *bool { return &s.GpuIdleImplicitFlush }),
	"COMMAND_BUFFER_SIZE": func(s *Settings, value string) error {
		parsed, err := strconv.ParseUint(value, 0, 64)
		s.CommandBufferSize = parsed
		return err
	},
	"LOG_LEVEL": func(s *Settings, value string) error {
		s.LogLevel = value
		return nil
	},
}

// ApplyEnv overlays every CSR_ variable lookup can find. Pass os.LookupEnv to read the process environment.
func (s *Settings) ApplyEnv(lookup func(key string) (string, bool)) error {
	for name, setter := range envSetters {
		value, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}

		err := setter(s, value)
		if err != nil {
			return errors.Wrapf(err, "invalid value %q for %s%s", value, EnvPrefix, name)
		}
	}

	return s.Validate()
}

func (s *Settings) Validate() error {
	if s.MemoryReleaseRetryLimit < 0 {
		return errors.Newf("memoryReleaseRetryLimit must not be negative, got %d", s.MemoryReleaseRetryLimit)
	}
	if s.WaitForMemoryRelease && s.MemoryReleaseRetryInterval <= 0 {
		return errors.New("memoryReleaseRetryInterval must be positive when waitForMemoryRelease is set")
	}
	if s.SpinWaitDuration < 0 {
		return errors.Newf("spinWaitDuration must not be negative, got %s", s.SpinWaitDuration)
	}
	if s.HangCheckInterval <= 0 {
		return errors.Newf("hangCheckInterval must be positive, got %s", s.HangCheckInterval)
	}
	if s.PeriodicTrimInterval < 0 {
		return errors.Newf("periodicTrimInterval must not be negative, got %s", s.PeriodicTrimInterval)
	}
	if s.TemporaryRetention != RetentionFree && s.TemporaryRetention != RetentionReuse {
		return errors.Newf("temporaryRetention must be %q or %q, got %q", RetentionFree, RetentionReuse, s.TemporaryRetention)
	}
	if s.CommandBufferSize < 4096 {
		return errors.Newf("commandBufferSize must be at least 4096, got %d", s.CommandBufferSize)
	}

	_, err := s.Level()
	return err
}

// Level converts LogLevel to a slog level
func (s *Settings) Level() (slog.Level, error) {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}

	return slog.LevelInfo, errors.Newf("unknown log level %q", s.LogLevel)
}
