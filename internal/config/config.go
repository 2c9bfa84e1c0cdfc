// Package config handles TOML configuration parsing for the MDK engine. It
// loads configuration from mdk.toml, applies environment variable overrides
// (prefixed with MDK_), validates required fields, and provides sane
// defaults for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration for an MDK engine instance.
type Config struct {
	Engine  EngineConfig  `toml:"engine"`
	Storage StorageConfig `toml:"storage"`
	Media   MediaConfig   `toml:"media"`
	Logging LoggingConfig `toml:"logging"`
}

// EngineConfig carries the protocol-level tunables described in the
// validation and config design: event freshness windows, ratchet skip
// tolerance, and snapshot retention.
type EngineConfig struct {
	MaxEventAgeSecs         int64   `toml:"max_event_age_secs"`
	MaxFutureSkewSecs       int64   `toml:"max_future_skew_secs"`
	OutOfOrderTolerance     uint64  `toml:"out_of_order_tolerance"`
	MaximumForwardDistance  uint64  `toml:"maximum_forward_distance"`
	EpochSnapshotRetention  int     `toml:"epoch_snapshot_retention"`
	SnapshotTTLSeconds      int64   `toml:"snapshot_ttl_seconds"`
	EphemeralKinds          []int   `toml:"ephemeral_kinds"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is either "memory" or "sqlite".
	Backend string `toml:"backend"`
	// SQLitePath is the database file path, or ":memory:" for a
	// transient in-process sqlite database. Only consulted when
	// Backend == "sqlite".
	SQLitePath string `toml:"sqlite_path"`
	// MemoryCacheSize bounds the LRU cache size per table when
	// Backend == "memory".
	MemoryCacheSize int `toml:"memory_cache_size"`

	MaxGroupNameBytes   int `toml:"max_group_name_bytes"`
	MaxDescriptionBytes int `toml:"max_description_bytes"`
	MaxAdminsPerGroup   int `toml:"max_admins_per_group"`
	MaxRelaysPerGroup   int `toml:"max_relays_per_group"`
	MaxRelayURLBytes    int `toml:"max_relay_url_bytes"`
	MaxContentBytes     int `toml:"max_content_bytes"`
	MaxTagsJSONBytes    int `toml:"max_tags_json_bytes"`
	MaxEventJSONBytes   int `toml:"max_event_json_bytes"`
	// MaxPageLimit bounds the `limit` argument accepted by paginated
	// listing operations.
	MaxPageLimit int `toml:"max_page_limit"`
}

// MediaConfig governs the encrypted-attachment subsystem.
type MediaConfig struct {
	SchemeVersion      string `toml:"scheme_version"`
	MaxImagePixels     int64  `toml:"max_image_pixels"`
	MaxImageDimension  int    `toml:"max_image_dimension"`
	StripExif          bool   `toml:"strip_exif"`
}

// LoggingConfig mirrors the teacher's logging section: level and output
// format for the structured slog handler.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func defaults() Config {
	return Config{
		Engine: EngineConfig{
			MaxEventAgeSecs:        3_888_000,
			MaxFutureSkewSecs:      300,
			OutOfOrderTolerance:    100,
			MaximumForwardDistance: 1000,
			EpochSnapshotRetention: 5,
			SnapshotTTLSeconds:     604_800,
			EphemeralKinds:         nil,
		},
		Storage: StorageConfig{
			Backend:             "memory",
			SQLitePath:          "mdk.sqlite3",
			MemoryCacheSize:     4096,
			MaxGroupNameBytes:   256,
			MaxDescriptionBytes: 4096,
			MaxAdminsPerGroup:   100,
			MaxRelaysPerGroup:   100,
			MaxRelayURLBytes:    512,
			MaxContentBytes:     1 << 20,
			MaxTagsJSONBytes:    64 << 10,
			MaxEventJSONBytes:   512 << 10,
			MaxPageLimit:        500,
		},
		Media: MediaConfig{
			SchemeVersion:     "mip04-v2",
			MaxImagePixels:    40_000_000,
			MaxImageDimension: 8192,
			StripExif:         true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration from the given TOML file path, applies
// defaults for missing values, then applies environment variable overrides.
// A missing file is not an error: defaults plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			if err := validate(&cfg); err != nil {
				return nil, err
			}
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides overrides config fields with environment variables when
// set. Environment variables use the prefix MDK_ followed by the section
// and field name in uppercase with underscores (e.g. MDK_STORAGE_BACKEND).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MDK_ENGINE_MAX_EVENT_AGE_SECS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Engine.MaxEventAgeSecs = n
		}
	}
	if v := os.Getenv("MDK_ENGINE_MAX_FUTURE_SKEW_SECS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Engine.MaxFutureSkewSecs = n
		}
	}
	if v := os.Getenv("MDK_ENGINE_OUT_OF_ORDER_TOLERANCE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Engine.OutOfOrderTolerance = n
		}
	}
	if v := os.Getenv("MDK_ENGINE_MAXIMUM_FORWARD_DISTANCE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Engine.MaximumForwardDistance = n
		}
	}
	if v := os.Getenv("MDK_ENGINE_EPOCH_SNAPSHOT_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.EpochSnapshotRetention = n
		}
	}
	if v := os.Getenv("MDK_ENGINE_SNAPSHOT_TTL_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Engine.SnapshotTTLSeconds = n
		}
	}
	if v := os.Getenv("MDK_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("MDK_STORAGE_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("MDK_MEDIA_SCHEME_VERSION"); v != "" {
		cfg.Media.SchemeVersion = v
	}
	if v := os.Getenv("MDK_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MDK_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// validate checks that required configuration fields are present and valid.
func validate(cfg *Config) error {
	validBackends := map[string]bool{"memory": true, "sqlite": true}
	if !validBackends[cfg.Storage.Backend] {
		return fmt.Errorf("config: storage.backend must be one of: memory, sqlite (got %q)", cfg.Storage.Backend)
	}

	if cfg.Storage.Backend == "sqlite" && strings.TrimSpace(cfg.Storage.SQLitePath) == "" {
		return fmt.Errorf("config: storage.sqlite_path is required when storage.backend = \"sqlite\"")
	}

	if cfg.Storage.MaxPageLimit < 1 {
		return fmt.Errorf("config: storage.max_page_limit must be at least 1")
	}

	if cfg.Engine.EpochSnapshotRetention < 1 {
		return fmt.Errorf("config: engine.epoch_snapshot_retention must be at least 1")
	}

	if cfg.Media.SchemeVersion == "" {
		return fmt.Errorf("config: media.scheme_version is required")
	}
	if cfg.Media.SchemeVersion == "mip04-v1" {
		return fmt.Errorf("config: media.scheme_version %q is not supported, use mip04-v2", cfg.Media.SchemeVersion)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("config: logging.level must be one of: debug, info, warn, error (got %q)", cfg.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("config: logging.format must be one of: json, text (got %q)", cfg.Logging.Format)
	}

	return nil
}
