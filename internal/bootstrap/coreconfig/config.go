package coreconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration of the key subsystem.
type Config struct {
	ServerBaseURL string
	DataDir       string
	FetchTimeout  time.Duration
	FetchRPS      float64
	FetchBurst    int
	StorageSecret string
}

type FileConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
}

type ServerConfig struct {
	BaseURL      string        `yaml:"baseUrl"`
	FetchTimeout time.Duration `yaml:"fetchTimeout"`
	FetchRPS     *float64      `yaml:"fetchRps"`
	FetchBurst   int           `yaml:"fetchBurst"`
}

type StorageConfig struct {
	DataDir string `yaml:"dataDir"`
	Secret  string `yaml:"secret"`
}

func DefaultConfig() Config {
	return Config{
		ServerBaseURL: "http://localhost:8000",
		DataDir:       defaultDataDir(),
		FetchTimeout:  10 * time.Second,
		FetchRPS:      0.5,
		FetchBurst:    3,
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.aithena"
	}
	return ".aithena"
}

// LoadFromPath reads configPath (or the default candidates when empty),
// merges it over the defaults and applies env overrides. A missing or
// unparseable file falls back to defaults rather than failing the boot.
func LoadFromPath(configPath string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/client-core.yaml",
			defaultDataDir()+"/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src FileConfig) {
	if src.Server.BaseURL != "" {
		dst.ServerBaseURL = src.Server.BaseURL
	}
	if src.Server.FetchTimeout != 0 {
		dst.FetchTimeout = src.Server.FetchTimeout
	}
	if src.Server.FetchRPS != nil {
		dst.FetchRPS = *src.Server.FetchRPS
	}
	if src.Server.FetchBurst != 0 {
		dst.FetchBurst = src.Server.FetchBurst
	}
	if src.Storage.DataDir != "" {
		dst.DataDir = src.Storage.DataDir
	}
	if src.Storage.Secret != "" {
		dst.StorageSecret = src.Storage.Secret
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AITHENA_SERVER_URL")); v != "" {
		cfg.ServerBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("AITHENA_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("AITHENA_FETCH_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.FetchTimeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("AITHENA_FETCH_RPS")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.FetchRPS = f
		}
	}
	if v := os.Getenv("AITHENA_STORAGE_SECRET"); v != "" {
		cfg.StorageSecret = v
	}
}
