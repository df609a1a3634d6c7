package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for the pitwall server.
type Config struct {
	HTTPPort       int
	DataDir        string
	FormsDir       string
	JWTSecret      string
	AdminUsername  string
	AdminPassword  string
	LdxWatchDir    string
	AllowedOrigins []string
	WatchInterval  int // LDX poll interval, seconds
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/pitwall).
func Load() Config {
	return Config{
		HTTPPort:       viper.GetInt("http_port"),
		DataDir:        viper.GetString("data_dir"),
		FormsDir:       viper.GetString("forms_dir"),
		JWTSecret:      viper.GetString("jwt_secret"),
		AdminUsername:  viper.GetString("admin_username"),
		AdminPassword:  viper.GetString("admin_password"),
		LdxWatchDir:    viper.GetString("ldx_watch_dir"),
		AllowedOrigins: splitOrigins(viper.GetString("allowed_origins")),
		WatchInterval:  viper.GetInt("watch_interval"),
	}
}

func splitOrigins(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
