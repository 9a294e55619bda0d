package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options of the bridge.
type Config struct {
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string `mapstructure:"log_file_path"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`

	Device struct {
		// Name of the TAP interface. Blank lets the kernel choose one.
		Name string `mapstructure:"name"`
		// MTU to configure on the interface.
		MTU int `mapstructure:"mtu"`
		// Use an in-memory device that echoes frames back instead of a TAP
		// interface. Useful for trying out clients without root privileges.
		Loopback bool `mapstructure:"loopback"`
	} `mapstructure:"device"`

	Server struct {
		// Port on which clients connect. Zero disables the listener.
		Port int `mapstructure:"port"`
		// Length of the queue of pending connections.
		Backlog int `mapstructure:"backlog"`
		// Longest the bridge waits for activity before checking for new
		// clients and shutdown requests.
		WaitMillis int `mapstructure:"wait_millis"`
		// Maximum number of concurrent clients. Zero means unlimited.
		MaxClients int `mapstructure:"max_clients"`
		// Frames buffered per client before new ones are dropped.
		QueueSize int `mapstructure:"queue_size"`
		// Largest frame a client may send. Zero derives it from the MTU.
		MaxFrameSize int `mapstructure:"max_frame_size"`
		// How long addresses that break the framing protocol are refused.
		QuarantineSeconds int `mapstructure:"quarantine_seconds"`
	} `mapstructure:"server"`

	SessionLog struct {
		// Record every finished client session in a database.
		Enabled bool `mapstructure:"enabled"`
		// Either sqlite or postgres.
		Engine string `mapstructure:"engine"`
		// SQLite database file.
		Filename string `mapstructure:"filename"`
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database in Postgres.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to ${name}.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"session_log"`

	Debugging struct {
		// Start a pprof server on localhost.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which the pprof server will be started.
		PprofPort int `mapstructure:"pprof_port"`
		// Log every bridged frame at debug level.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "TAPSERVER"

var defaults = map[string]interface{}{
	"log_level":                          "info",
	"log_file_path":                      "",
	"device.name":                        "",
	"device.mtu":                         1500,
	"device.loopback":                    false,
	"server.port":                        5550,
	"server.backlog":                     16,
	"server.wait_millis":                 100,
	"server.max_clients":                 0,
	"server.queue_size":                  64,
	"server.max_frame_size":              0,
	"server.quarantine_seconds":          60,
	"session_log.enabled":                false,
	"session_log.engine":                 "sqlite",
	"session_log.filename":               "tapserver.db",
	"session_log.host":                   "localhost",
	"session_log.port":                   5432,
	"session_log.name":                   "tapserver",
	"session_log.username":               "",
	"session_log.password":               "",
	"session_log.sslmode":                "disable",
	"debugging.pprof_enabled":            false,
	"debugging.pprof_port":               4000,
	"debugging.packet_logging_enabled":   false,
	"debugging.database_logging_enabled": false,
}

// LoadConfig initializes Viper with the defaults, the contents of the config
// file under configPath (if there is one), and the environment.
func LoadConfig(configPath string) (*Config, error) {
	for k, v := range defaults {
		viper.SetDefault(k, v)
	}

	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, server.port can be set using: <envVarPrefix>_SERVER_PORT
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate reports the first option that is out of range.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d is not a valid port", c.Server.Port)
	case c.Server.Backlog < 0:
		return fmt.Errorf("server.backlog must not be negative")
	case c.Server.WaitMillis < 0:
		return fmt.Errorf("server.wait_millis must not be negative")
	case c.Server.MaxFrameSize < 0 || c.Server.MaxFrameSize > 65535:
		return fmt.Errorf("server.max_frame_size %d is outside [0, 65535]", c.Server.MaxFrameSize)
	case c.Device.MTU < 0:
		return fmt.Errorf("device.mtu must not be negative")
	case c.SessionLog.Enabled && c.SessionLog.Engine != "sqlite" && c.SessionLog.Engine != "postgres":
		return fmt.Errorf("session_log.engine %q is not one of sqlite, postgres", c.SessionLog.Engine)
	}
	return nil
}

// QuarantineDuration returns server.quarantine_seconds as a duration.
func (c *Config) QuarantineDuration() time.Duration {
	return time.Duration(c.Server.QuarantineSeconds) * time.Second
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.SessionLog.Host,
		c.SessionLog.Port,
		c.SessionLog.Name,
		c.SessionLog.Username,
		c.SessionLog.Password,
		c.SessionLog.SSLMode,
	)
}
