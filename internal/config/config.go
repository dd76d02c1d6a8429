// Package config loads codexmux's configuration via viper, binding
// environment variables and an optional config file into mapstructure-tagged
// sections.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/kandev/codexmux/internal/common/logger"
)

// Config is the root configuration for the daemon.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Push    PushConfig    `mapstructure:"push"`
	Logging logger.Config `mapstructure:"logging"`
}

// ServerConfig configures the HTTP control API and websocket gateway.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

// AgentConfig configures how agent child processes are spawned.
type AgentConfig struct {
	BinaryPath    string   `mapstructure:"binaryPath"`
	ExtraArgs     []string `mapstructure:"extraArgs"`
	CodexHome     string   `mapstructure:"codexHome"`
	ClientVersion string   `mapstructure:"clientVersion"`
}

// PushConfig configures the push-notification broker's state directory
// (also where the FCM service-account file is looked up) and optional relay
// defaults.
type PushConfig struct {
	DataDir        string `mapstructure:"dataDir"`
	RelayURL       string `mapstructure:"relayUrl"`
	RelayAuthToken string `mapstructure:"relayAuthToken"`
}

// Load reads configuration from defaults, configPath (if non-empty), and
// environment variables prefixed CODEXMUX_, in that ascending priority.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CODEXMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("agent.binaryPath", "")
	v.SetDefault("agent.clientVersion", "0.1.0")

	v.SetDefault("push.dataDir", "./data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}
