package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"lendingledger/native/lending"
)

// Load reads the ledger configuration from a TOML file. A missing file
// yields the default parameters with no banks. Unknown keys are rejected.
func Load(path string) (lending.Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return lending.Config{}, err
	}

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return lending.Config{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return lending.Config{}, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return lending.Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration applied when no file is supplied.
func Default() lending.Config {
	return lending.Config{Params: lending.DefaultParams()}
}

// Persist writes cfg to path, creating parent directories as needed.
func Persist(path string, cfg lending.Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func normalize(cfg *lending.Config) {
	if cfg.OracleMaxAgeSeconds == 0 {
		cfg.OracleMaxAgeSeconds = lending.DefaultOracleMaxAgeSeconds
	}
	paused := cfg.Paused[:0]
	for _, action := range cfg.Paused {
		if trimmed := strings.ToLower(strings.TrimSpace(action)); trimmed != "" {
			paused = append(paused, trimmed)
		}
	}
	cfg.Paused = paused
	for i := range cfg.Banks {
		cfg.Banks[i].Mint = strings.TrimSpace(cfg.Banks[i].Mint)
		cfg.Banks[i].Symbol = strings.TrimSpace(cfg.Banks[i].Symbol)
	}
}
