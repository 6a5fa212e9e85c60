package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1 << 20

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "WEIGHTOPT_"

	// DefaultProfileDB is the sqlite file name used when store.path is unset.
	DefaultProfileDB = "profiles.db"
)

// UserDir returns ~/.config/weightopt.
func UserDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "weightopt"), nil
}

// LoadWithFile builds a Config from defaults, the YAML file at configPath
// and WEIGHTOPT_* environment variables, later sources winning.
//
// An empty configPath means ~/.config/weightopt/config.yaml. A missing file
// is not an error. An existing file must live under ~/.config/weightopt/ or
// /etc/weightopt/, be mode 0600 or 0400 and be at most 1MB.
//
// Environment variables drop the prefix and split on the first underscore:
//
//	WEIGHTOPT_GATING_TARGET_SPARSITY   -> gating.target_sparsity
//	WEIGHTOPT_FEEDBACK_BATCH_TIMEOUT   -> feedback.batch_timeout
//
// With the sqlite backend and no store.path, profiles go to
// ~/.config/weightopt/profiles.db and the directory is created.
func LoadWithFile(configPath string) (*Config, error) {
	userDir, err := UserDir()
	if err != nil {
		return nil, err
	}
	if configPath == "" {
		configPath = filepath.Join(userDir, "config.yaml")
	}
	if err := validateConfigPath(configPath, userDir); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	k := koanf.New(".")

	content, err := readConfigFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Store.Backend == "sqlite" && cfg.Store.Path == "" {
		if err := EnsureConfigDir(); err != nil {
			return nil, err
		}
		cfg.Store.Path = filepath.Join(userDir, DefaultProfileDB)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// readConfigFile opens path once and checks mode and size through the
// descriptor, so the checked file is the one read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := checkFileInfo(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// envKey maps WEIGHTOPT_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if section, field, ok := strings.Cut(key, "_"); ok {
		return section + "." + field
	}
	return key
}

// validateConfigPath rejects paths that resolve, through symlinks, outside
// userDir and /etc/weightopt. The file itself need not exist.
func validateConfigPath(path, userDir string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	for _, dir := range []string{userDir, "/etc/weightopt"} {
		if strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return errors.New("config file must be in ~/.config/weightopt/ or /etc/weightopt/")
}

func checkFileInfo(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// EnsureConfigDir creates ~/.config/weightopt with mode 0700.
func EnsureConfigDir() error {
	dir, err := UserDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}
