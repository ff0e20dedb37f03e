package cli

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/pthm/strata/pkg/connection"
	"github.com/pthm/strata/pkg/migrator"
	"github.com/pthm/strata/pkg/store"
)

const (
	maxWalkDepth = 25
)

// configNames are the file names searched for, in order.
var configNames = []string{"strata.yaml", "strata.yml"}

// Config represents the strata configuration from strata.yaml.
type Config struct {
	// Types is the path of the type map document.
	Types string `mapstructure:"types" json:"types,omitempty"`

	Database   DatabaseConfig   `mapstructure:"database" json:"database"`
	Migrate    MigrateConfig    `mapstructure:"migrate" json:"migrate"`
	Limits     LimitsConfig     `mapstructure:"limits" json:"limits"`
	Pagination PaginationConfig `mapstructure:"pagination" json:"pagination"`
	History    HistoryConfig    `mapstructure:"history" json:"history"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" json:"url,omitempty"`
	Host     string `mapstructure:"host" json:"host,omitempty"`
	Port     int    `mapstructure:"port" json:"port,omitempty"`
	Name     string `mapstructure:"name" json:"name,omitempty"`
	User     string `mapstructure:"user" json:"user,omitempty"`
	Password string `mapstructure:"password" json:"password,omitempty"`
	SSLMode  string `mapstructure:"sslmode" json:"sslmode,omitempty"`
}

// MigrateConfig holds migration settings.
type MigrateConfig struct {
	// Schema is the PostgreSQL schema holding the tables.
	Schema      string `mapstructure:"schema" json:"schema"`
	DryRun      bool   `mapstructure:"dry_run" json:"dry_run"`
	Force       bool   `mapstructure:"force" json:"force"`
	Parallelism int    `mapstructure:"parallelism" json:"parallelism"`
}

// LimitsConfig holds record quotas. Zero disables a quota.
type LimitsConfig struct {
	Global int64 `mapstructure:"global" json:"global"`
	// PerType is a list rather than a map because viper lowercases map
	// keys, and type names are case sensitive.
	PerType []TypeLimit `mapstructure:"per_type" json:"per_type"`
}

// TypeLimit bounds the rows of one type.
type TypeLimit struct {
	Type string `mapstructure:"type" json:"type"`
	Max  int64  `mapstructure:"max" json:"max"`
}

// PaginationConfig bounds connection page sizes.
type PaginationConfig struct {
	DefaultLimit int `mapstructure:"default_limit" json:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit" json:"max_limit"`
}

// HistoryConfig holds content history settings.
type HistoryConfig struct {
	Retention int `mapstructure:"retention" json:"retention"`
}

// LoadConfig discovers and loads configuration with proper precedence:
// flags > env > config file > defaults.
//
// Returns the loaded config, the path to the config file (empty if none found),
// and any error encountered.
func LoadConfig(explicitConfigPath string) (*Config, string, error) {
	v := viper.New()

	setDefaults(v)

	// STRATA_DATABASE_URL maps to database.url.
	v.SetEnvPrefix("STRATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath, err := findConfigFile(explicitConfigPath)
	if err != nil {
		return nil, "", err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, configPath, errors.Wrap(err, "reading config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configPath, errors.Wrap(err, "unmarshaling config")
	}
	if cfg.Types != "" && configPath != "" && !filepath.IsAbs(cfg.Types) {
		cfg.Types = filepath.Join(filepath.Dir(configPath), cfg.Types)
	}

	return &cfg, configPath, nil
}

func setDefaults(v *viper.Viper) {
	pagination := connection.DefaultConfig()

	v.SetDefault("types", "types.yaml")

	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "prefer")

	v.SetDefault("migrate.schema", "public")
	v.SetDefault("migrate.dry_run", false)
	v.SetDefault("migrate.force", false)
	v.SetDefault("migrate.parallelism", migrator.DefaultParallelism)

	v.SetDefault("limits.global", 0)
	v.SetDefault("limits.per_type", []TypeLimit{})

	v.SetDefault("pagination.default_limit", pagination.DefaultLimit)
	v.SetDefault("pagination.max_limit", pagination.MaxLimit)

	v.SetDefault("history.retention", 20)
}

// findConfigFile finds the config file to use.
// If explicitPath is provided, it validates the file exists.
// Otherwise, it walks up from cwd looking for strata.yaml or strata.yml,
// stopping at a .git directory or after maxWalkDepth levels.
func findConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", errors.Newf("config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", errors.Wrap(err, "getting cwd")
	}

	dir := cwd
	for i := 0; i < maxWalkDepth; i++ {
		for _, name := range configNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}

		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// DSN returns the database connection string.
// If database.url is set, it's returned directly.
// Otherwise, builds a DSN from discrete fields.
func (c *Config) DSN() (string, error) {
	db := c.Database

	if db.URL != "" {
		return db.URL, nil
	}

	if db.Host == "" {
		return "", errors.New("database.host is required when database.url is not set")
	}
	if db.Name == "" {
		return "", errors.New("database.name is required when database.url is not set")
	}
	if db.User == "" {
		return "", errors.New("database.user is required when database.url is not set")
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   "/" + db.Name,
	}

	if db.Password != "" {
		u.User = url.UserPassword(db.User, db.Password)
	} else {
		u.User = url.User(db.User)
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// ResolvedTypes returns the effective type map path, with an explicit flag
// taking precedence over the configured one.
func (c *Config) ResolvedTypes(flag string) string {
	if flag != "" {
		return flag
	}
	return c.Types
}

// MigratorOptions returns the migrator options of the configuration.
func (c *Config) MigratorOptions() migrator.Options {
	return migrator.Options{
		Schema:      c.Migrate.Schema,
		Force:       c.Migrate.Force,
		Parallelism: c.Migrate.Parallelism,
		Retention:   c.History.Retention,
	}
}

// StoreOptions returns the store options of the configuration.
func (c *Config) StoreOptions() []store.Option {
	perType := make(map[string]int64, len(c.Limits.PerType))
	for _, l := range c.Limits.PerType {
		perType[l.Type] = l.Max
	}
	return []store.Option{
		store.WithSchema(c.Migrate.Schema),
		store.WithLimits(store.Limits{Global: c.Limits.Global, PerType: perType}),
		store.WithPagination(connection.Config{
			DefaultLimit: c.Pagination.DefaultLimit,
			MaxLimit:     c.Pagination.MaxLimit,
		}),
		store.WithHistoryRetention(c.History.Retention),
		store.WithMigrationParallelism(c.Migrate.Parallelism),
	}
}
