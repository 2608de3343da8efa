// Package config loads server and client settings from flags, YACALL_*
// environment variables and an optional config file, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "YACALL"

var ErrInvalid = errors.New("invalid configuration")

type Server struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	JWTLeeway       time.Duration `mapstructure:"jwt_leeway"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	StaticDir       string        `mapstructure:"static_dir"`
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Client struct {
	ServerURL  string   `mapstructure:"server_url"`
	Token      string   `mapstructure:"token"`
	ICEServers []string `mapstructure:"ice_servers"`

	VideoFile string `mapstructure:"video_file"`
	AudioFile string `mapstructure:"audio_file"`
	RecordDir string `mapstructure:"record_dir"`

	RingTimeout     time.Duration `mapstructure:"ring_timeout"`
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	RejectDisplay   time.Duration `mapstructure:"reject_display"`

	ReconnectAttempts uint64        `mapstructure:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`

	AutoAnswer  bool   `mapstructure:"auto_answer"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
}

func serverDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_leeway", 30*time.Second)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("static_dir", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_timeout", 5*time.Second)
}

func clientDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "ws://localhost:8080/ws")
	v.SetDefault("token", "")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("video_file", "")
	v.SetDefault("audio_file", "")
	v.SetDefault("record_dir", "")
	v.SetDefault("ring_timeout", 45*time.Second)
	v.SetDefault("liveness_timeout", 15*time.Second)
	v.SetDefault("reject_display", 2*time.Second)
	v.SetDefault("reconnect_attempts", 5)
	v.SetDefault("reconnect_backoff", 500*time.Millisecond)
	v.SetDefault("auto_answer", false)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")
}

// New returns a viper instance reading YACALL_* variables. Dashes and dots
// in keys map to underscores.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds every flag in fs, --listen-addr becoming listen_addr.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Name == "config" {
			return
		}
		err = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	return err
}

func readFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func LoadServer(v *viper.Viper, file string) (Server, error) {
	serverDefaults(v)
	if err := readFile(v, file); err != nil {
		return Server{}, err
	}

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return Server{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Server) Validate() error {
	switch {
	case c.ListenAddr == "":
		return fmt.Errorf("%w: listen_addr is empty", ErrInvalid)
	case c.JWTSecret == "":
		return fmt.Errorf("%w: jwt_secret is required", ErrInvalid)
	case c.JWTLeeway < 0:
		return fmt.Errorf("%w: jwt_leeway is negative", ErrInvalid)
	}
	return nil
}

func LoadClient(v *viper.Viper, file string) (Client, error) {
	clientDefaults(v)
	if err := readFile(v, file); err != nil {
		return Client{}, err
	}

	var cfg Client
	if err := v.Unmarshal(&cfg); err != nil {
		return Client{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Client) Validate() error {
	u, err := url.Parse(c.ServerURL)
	switch {
	case err != nil:
		return fmt.Errorf("%w: server_url: %w", ErrInvalid, err)
	case u.Scheme != "ws" && u.Scheme != "wss":
		return fmt.Errorf("%w: server_url must be ws:// or wss://, got %q", ErrInvalid, c.ServerURL)
	case c.Token == "":
		return fmt.Errorf("%w: token is required", ErrInvalid)
	case c.ReconnectAttempts == 0:
		return fmt.Errorf("%w: reconnect_attempts must be at least 1", ErrInvalid)
	case c.RingTimeout < 0, c.LivenessTimeout < 0, c.RejectDisplay < 0:
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalid)
	}
	return nil
}
