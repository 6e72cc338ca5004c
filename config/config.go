// Package config loads the daemon's runtime configuration via viper, with
// support for a config file, environment variables (DEEPINSIGHT_ prefix),
// and command-line overrides supplied by cmd/kerneld's cobra flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved daemon configuration.
type Config struct {
	// Addr is the HTTP listen address for websocket connections and the
	// /metrics endpoint.
	Addr string

	// SocketPath, when non-empty, additionally binds a Unix domain socket
	// for local-only clients.
	SocketPath string

	// DefaultTimeout is used when an exec frame omits timeout_s.
	DefaultTimeout time.Duration

	// HwTickInterval is the Hardware Publisher's sampling cadence.
	HwTickInterval time.Duration

	// TerminateGrace is how long the supervisor waits after SIGTERM before
	// escalating to SIGKILL.
	TerminateGrace time.Duration

	Debug bool
}

// Defaults returns the configuration used when no file, environment
// variable, or flag overrides a setting.
func Defaults() Config {
	return Config{
		Addr:           ":8765",
		SocketPath:     "",
		DefaultTimeout: 30 * time.Second,
		HwTickInterval: time.Second,
		TerminateGrace: 3 * time.Second,
		Debug:          false,
	}
}

// Load builds a Config from (in ascending priority) built-in defaults, an
// optional config file at path (skipped if empty), and DEEPINSIGHT_-prefixed
// environment variables.
func Load(path string) (Config, error) {
	d := Defaults()

	v := viper.New()
	v.SetEnvPrefix("deepinsight")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", d.Addr)
	v.SetDefault("socket_path", d.SocketPath)
	v.SetDefault("default_timeout_s", d.DefaultTimeout.Seconds())
	v.SetDefault("hw_tick_ms", d.HwTickInterval.Milliseconds())
	v.SetDefault("terminate_grace_s", d.TerminateGrace.Seconds())
	v.SetDefault("debug", d.Debug)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	return Config{
		Addr:           v.GetString("addr"),
		SocketPath:     v.GetString("socket_path"),
		DefaultTimeout: time.Duration(v.GetFloat64("default_timeout_s") * float64(time.Second)),
		HwTickInterval: time.Duration(v.GetInt64("hw_tick_ms")) * time.Millisecond,
		TerminateGrace: time.Duration(v.GetFloat64("terminate_grace_s") * float64(time.Second)),
		Debug:          v.GetBool("debug"),
	}, nil
}
