package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is built once at startup and handed to every component that needs it.
type Config struct {
	Debug    bool     `mapstructure:"debug"`
	HTTP     HTTP     `mapstructure:"http"`
	Line     Line     `mapstructure:"line"`
	Database Database `mapstructure:"database"`
	Verbose  Verbose  `mapstructure:"verbose"`
	Cron     Cron     `mapstructure:"cron"`
	Log      Log      `mapstructure:"log"`
}

type HTTP struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// Line holds the LINE Messaging API channel credentials.
type Line struct {
	ChannelSecret      string `mapstructure:"channelSecret"`
	ChannelAccessToken string `mapstructure:"channelAccessToken"`
	// Endpoint overrides the API base URL, empty means the SDK default
	Endpoint string `mapstructure:"endpoint"`
}

type Database struct {
	// Driver is either "mysql" or "sqlite"
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
}

// Verbose toggles user-facing error replies and request dumps.
type Verbose struct {
	Error   bool `mapstructure:"error"`
	Request bool `mapstructure:"request"`
}

type Cron struct {
	// Stats is a cron spec for the subscription stats job, empty disables it
	Stats string `mapstructure:"stats"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// legacy environment variable names used by existing deployments
var envBindings = map[string]string{
	"line.channelSecret":      "CHANNEL_SECRET",
	"line.channelAccessToken": "CHANNEL_ACCESS_TOKEN",
	"database.host":           "DB_HOST",
	"database.password":       "DB_PASSWORD",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("http.readTimeout", 10*time.Second)
	v.SetDefault("http.writeTimeout", 30*time.Second)
	v.SetDefault("line.endpoint", "")
	v.SetDefault("database.driver", DriverMySQL)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "notifier")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "notifier")
	v.SetDefault("database.path", "notifier.db")
	v.SetDefault("database.maxOpenConns", 4)
	v.SetDefault("database.maxIdleConns", 2)
	v.SetDefault("database.connMaxLifetime", 5*time.Minute)
	v.SetDefault("verbose.error", true)
	v.SetDefault("verbose.request", false)
	v.SetDefault("cron.stats", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads the configuration file at path, or searches for notifier.yaml in the
// working directory, the home directory and /etc when path is empty. A missing
// file is not an error since every key can come from the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("notifier")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath("/etc")
	}

	v.SetEnvPrefix("notifier")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, "NOTIFIER_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, errors.Wrapf(err, "bind env %s", env)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, errors.Wrap(err, "read config")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.Line.ChannelSecret == "" {
		return errors.New("line.channelSecret (CHANNEL_SECRET) is required")
	}
	if c.Line.ChannelAccessToken == "" {
		return errors.New("line.channelAccessToken (CHANNEL_ACCESS_TOKEN) is required")
	}
	switch c.Database.Driver {
	case DriverMySQL, DriverSQLite:
	default:
		return errors.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	return nil
}
