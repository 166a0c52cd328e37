package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Catalog CatalogConfig
	Import  ImportConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Addr string
}

type StorageConfig struct {
	SQLitePath string
	BlobDir    string
}

type CatalogConfig struct {
	Path string
}

type ImportConfig struct {
	TimeToleranceSec float64
	ScoreTolerance   float64
}

type LoggingConfig struct {
	Level  string
	Format string
}

// TimeTolerance returns the merge identity window as a duration.
func (c ImportConfig) TimeTolerance() time.Duration {
	return time.Duration(c.TimeToleranceSec * float64(time.Second))
}

// Load reads configuration from an optional file plus MATURION_* env vars.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("storage.sqlitepath", "maturion.db")
	v.SetDefault("storage.blobdir", "blobs")
	v.SetDefault("catalog.path", "catalog.json")
	v.SetDefault("import.timetolerancesec", 5.0)
	v.SetDefault("import.scoretolerance", 0.05)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetEnvPrefix("MATURION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
