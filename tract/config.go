package tract

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. TRACTMESH_MQTT_BROKER.
const EnvPrefix = "TRACTMESH"

// Source kinds.
const (
	SourceFile      = "file"
	SourceHTTP      = "http"
	SourcePostGIS   = "postgis"
	SourceShapefile = "shapefile"
)

// Config is the service configuration.
type Config struct {
	Aggregation AggregationConfig `yaml:"aggregation" mapstructure:"aggregation"`
	Source      SourceConfig      `yaml:"source" mapstructure:"source"`
	MQTT        MQTTConfig        `yaml:"mqtt" mapstructure:"mqtt"`
	HTTP        HTTPConfig        `yaml:"http" mapstructure:"http"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// AggregationConfig mirrors Options.
type AggregationConfig struct {
	ToleranceMeters      float64       `yaml:"toleranceMeters" mapstructure:"toleranceMeters"`
	Workers              int           `yaml:"workers" mapstructure:"workers"`
	Budget               time.Duration `yaml:"budget" mapstructure:"budget"`
	IndexThreshold       int           `yaml:"indexThreshold" mapstructure:"indexThreshold"`
	GridCellMeters       float64       `yaml:"gridCellMeters" mapstructure:"gridCellMeters"`
	ConsistencyThreshold float64       `yaml:"consistencyThreshold" mapstructure:"consistencyThreshold"`
}

// SourceConfig selects and configures the upstream parcel source.
type SourceConfig struct {
	Kind              string  `yaml:"kind" mapstructure:"kind"`
	Path              string  `yaml:"path,omitempty" mapstructure:"path"`
	URL               string  `yaml:"url,omitempty" mapstructure:"url"`
	DatabaseURL       string  `yaml:"databaseUrl,omitempty" mapstructure:"databaseUrl"`
	Table             string  `yaml:"table,omitempty" mapstructure:"table"`
	OwnerField        string  `yaml:"ownerField" mapstructure:"ownerField"`
	IDField           string  `yaml:"idField" mapstructure:"idField"`
	AcresField        string  `yaml:"acresField" mapstructure:"acresField"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond,omitempty" mapstructure:"requestsPerSecond"`
}

// MQTTConfig holds MQTT connection settings.
type MQTTConfig struct {
	Broker        string `yaml:"broker" mapstructure:"broker"`
	PublishPrefix string `yaml:"publishPrefix" mapstructure:"publishPrefix"`
	ClientID      string `yaml:"clientId" mapstructure:"clientId"`
	Username      string `yaml:"username,omitempty" mapstructure:"username"`
	Password      string `yaml:"password,omitempty" mapstructure:"password"`
	RequestTopic  string `yaml:"requestTopic,omitempty" mapstructure:"requestTopic"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// CacheConfig configures the result cache. An empty RedisAddr selects the
// in-memory cache.
type CacheConfig struct {
	RedisAddr     string        `yaml:"redisAddr,omitempty" mapstructure:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword,omitempty" mapstructure:"redisPassword"`
	RedisDB       int           `yaml:"redisDb" mapstructure:"redisDb"`
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Prefix        string        `yaml:"prefix" mapstructure:"prefix"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Options converts the aggregation section into engine options.
func (c *Config) Options() Options {
	a := c.Aggregation
	return Options{
		ToleranceMeters:      a.ToleranceMeters,
		Workers:              a.Workers,
		Budget:               a.Budget,
		IndexThreshold:       a.IndexThreshold,
		GridCellMeters:       a.GridCellMeters,
		ConsistencyThreshold: a.ConsistencyThreshold,
	}
}

// Fields returns the attribute mapping of the source section.
func (c *Config) Fields() FieldMapping {
	return FieldMapping{ID: c.Source.IDField, Owner: c.Source.OwnerField, Acres: c.Source.AcresField}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("aggregation.toleranceMeters", DefaultToleranceMeters)
	v.SetDefault("aggregation.workers", 0)
	v.SetDefault("aggregation.budget", DefaultBudget)
	v.SetDefault("aggregation.indexThreshold", DefaultIndexThreshold)
	v.SetDefault("aggregation.gridCellMeters", DefaultGridCellMeters)
	v.SetDefault("aggregation.consistencyThreshold", DefaultConsistencyThreshold)
	v.SetDefault("source.kind", SourceFile)
	v.SetDefault("source.path", "parcels.geojson")
	v.SetDefault("source.url", "")
	v.SetDefault("source.databaseUrl", "")
	v.SetDefault("source.table", DefaultParcelTable)
	v.SetDefault("source.ownerField", "owner")
	v.SetDefault("source.idField", "id")
	v.SetDefault("source.acresField", "acres")
	v.SetDefault("source.requestsPerSecond", 0)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.publishPrefix", "tractmesh")
	v.SetDefault("mqtt.clientId", "tractmesh")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.requestTopic", "")
	v.SetDefault("http.port", 4040)
	v.SetDefault("cache.redisAddr", "")
	v.SetDefault("cache.redisPassword", "")
	v.SetDefault("cache.redisDb", 0)
	v.SetDefault("cache.ttl", DefaultCacheTTL)
	v.SetDefault("cache.prefix", "tractmesh:")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig reads configuration from path (optional when empty, in which
// case ./tractmesh.yaml is used if present), then applies TRACTMESH_*
// environment overrides, then validates.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, eris.Errorf("config file not found: %s", path)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tractmesh")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges and that the selected source is complete.
func (c *Config) Validate() error {
	a := c.Aggregation
	if a.ToleranceMeters < 0 {
		return eris.New("aggregation.toleranceMeters must not be negative")
	}
	if a.Workers < 0 {
		return eris.New("aggregation.workers must not be negative")
	}
	if a.ConsistencyThreshold < 0 || a.ConsistencyThreshold >= 1 {
		return eris.New("aggregation.consistencyThreshold must be in [0, 1)")
	}

	s := c.Source
	switch s.Kind {
	case SourceFile, SourceShapefile:
		if s.Path == "" {
			return eris.Errorf("source.path is required for %s sources", s.Kind)
		}
	case SourceHTTP:
		if s.URL == "" {
			return eris.New("source.url is required for http sources")
		}
	case SourcePostGIS:
		if s.DatabaseURL == "" {
			return eris.New("source.databaseUrl is required for postgis sources")
		}
	default:
		return eris.Errorf("source.kind %q is not one of file, http, postgis, shapefile", s.Kind)
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return eris.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return eris.Wrap(err, "log.level")
	}
	return nil
}

// SaveConfig writes cfg as YAML.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "marshaling config YAML")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return eris.Wrap(err, "writing config file")
	}
	return nil
}
