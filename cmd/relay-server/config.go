package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/silo-relay/internal/api/http"
	"github.com/EternisAI/silo-relay/internal/auth"
	"github.com/EternisAI/silo-relay/internal/events"
	grpctls "github.com/EternisAI/silo-relay/internal/grpc/tls"
	"github.com/EternisAI/silo-relay/internal/relay"
	"github.com/EternisAI/silo-relay/internal/ws"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig         `mapstructure:"log"`
	Http      http.Config       `mapstructure:"http"`
	Grpc      GrpcConfig        `mapstructure:"grpc"`
	WebSocket ws.Timing         `mapstructure:"websocket"`
	Relay     relay.Config      `mapstructure:"relay"`
	Auth      auth.Config       `mapstructure:"auth"`
	Enroll    EnrollConfig      `mapstructure:"enroll"`
	Nats      events.NATSConfig `mapstructure:"nats"`
}

type GrpcConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	Port    int            `mapstructure:"port"`
	TLS     grpctls.Config `mapstructure:"tls"`
}

type EnrollConfig struct {
	KeyTTL time.Duration `mapstructure:"key_ttl"`
}

var config Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", LOG_LEVEL_INFO)
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.allow_origins", []string{"*"})
	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.port", 9090)
	v.SetDefault("grpc.tls.enabled", false)
	v.SetDefault("grpc.tls.client_auth", "none")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.ping_period", "54s")
	v.SetDefault("relay.poll_timeout", "30s")
	v.SetDefault("relay.connection_timeout", "300s")
	v.SetDefault("relay.heartbeat_interval", "15s")
	v.SetDefault("relay.result_retention", "1h")
	v.SetDefault("auth.admin_username", "admin")
	v.SetDefault("auth.session_ttl", "0s")
	v.SetDefault("enroll.key_ttl", "1h")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnect", 60)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connection_name", "silo-relay")
	v.SetDefault("nats.subject_prefix", "relay")
}

// loadConfig reads application.yaml and the environment into a Config. A
// missing config file is not an error; defaults and env still apply.
func loadConfig(v *viper.Viper, paths ...string) (Config, error) {
	setDefaults(v)

	v.SetConfigName("application")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets are usually injected through the environment only.
	for _, key := range []string{
		"auth.shared_secret",
		"auth.admin_password",
		"auth.admin_password_hash",
		"auth.session_secret",
		"auth.agent_key",
		"nats.token",
		"nats.password",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

func InitConfig() {
	_ = godotenv.Load()

	cfg, err := loadConfig(viper.GetViper(), ".", "./cmd/relay-server")
	if err != nil {
		panic(err)
	}
	config = cfg

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.Auth = auth.Config{
			AdminUsername: config.Auth.AdminUsername,
			SessionTTL:    config.Auth.SessionTTL,
		}
		redacted.Nats.Token, redacted.Nats.Password = "", ""
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
