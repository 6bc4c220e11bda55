// Package config loads, validates and persists the cshd server
// configuration.
//
// The config file is a JSON object; sources in order of precedence are CLI
// flag overrides, the config file, then built-in defaults. The `%HOSTNAME%`
// placeholder in the server name and `%IP%` in the host field are
// substituted at load time.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/cubeflix/cshd/pkg/ratelimit"
	"github.com/cubeflix/cshd/pkg/wire"
)

// TLS names accepted in the third element of the "secure" setting.
var tlsProtocolNames = map[string]uint16{
	"TLSv1_2": 0x0303,
	"TLSv1_3": 0x0304,
}

// Secure holds the TLS listener settings parsed from the 3-element
// "secure" array.
type Secure struct {
	CertFile   string
	KeyFile    string
	Protocol   string
	MinVersion uint16
}

// Config is the full runtime configuration of the server process.
type Config struct {
	Host string `validate:"required"`
	Port int    `validate:"gte=1,lte=65535"`

	// Path is the server root every client path is sandboxed under.
	Path string `validate:"required"`

	UsersFile  string `validate:"required"`
	ServerName string
	Backlog    int `validate:"gte=0"`

	// Secure is nil for a plain TCP listener.
	Secure *Secure

	// RateLimit is empty when rate limiting is disabled.
	RateLimit []ratelimit.Rule

	// SessionLimit caps concurrent sessions per user; 0 means unlimited.
	SessionLimit int `validate:"gte=0"`

	// DefaultExpire is the default session TTL in seconds; 0 means sessions
	// never expire.
	DefaultExpire     int64 `validate:"gte=0"`
	AllowChangeExpire bool

	// SessionExpirationDelay is the sweeper period in seconds.
	SessionExpirationDelay int64 `validate:"gt=0"`

	Verbose     bool
	FileHandler string
	Level       string

	// UpdateSettings controls whether touched settings are written back to
	// the config file on graceful shutdown.
	UpdateSettings bool

	// MetricsAddress serves prometheus metrics when non-empty.
	MetricsAddress string

	// File is the config file the settings came from; empty when running
	// without one.
	File string
}

// Overrides carries CLI flag values that take precedence over the file.
type Overrides struct {
	Port      *int
	Host      *string
	Path      *string
	Name      *string
	UsersFile *string
	LogFile   *string
	Level     *string
}

// Load reads the configuration. An empty file path skips the config file
// entirely and uses defaults plus overrides.
func Load(file string, ov Overrides) (*Config, error) {
	v := viper.New()
	v.SetDefault("path", mustGetwd())
	v.SetDefault("users_file", "users.json")
	v.SetDefault("server_name", "%HOSTNAME%")
	v.SetDefault("backlog", 5)
	v.SetDefault("allow_change_expire", true)
	v.SetDefault("session_expiration_delay", 100)
	v.SetDefault("verbose", true)
	v.SetDefault("update_settings", false)

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", file, err)
		}
	}

	cfg := &Config{
		Host:                   "localhost",
		Port:                   8008,
		Path:                   v.GetString("path"),
		UsersFile:              v.GetString("users_file"),
		ServerName:             v.GetString("server_name"),
		Backlog:                v.GetInt("backlog"),
		SessionLimit:           v.GetInt("session_limit"),
		DefaultExpire:          v.GetInt64("default_expire"),
		AllowChangeExpire:      v.GetBool("allow_change_expire"),
		SessionExpirationDelay: v.GetInt64("session_expiration_delay"),
		Verbose:                v.GetBool("verbose"),
		FileHandler:            v.GetString("file_handler"),
		Level:                  v.GetString("level"),
		UpdateSettings:         v.GetBool("update_settings"),
		MetricsAddress:         v.GetString("metrics_address"),
		File:                   file,
	}

	// address is a 2-element [host, port] array.
	if addr := v.Get("address"); addr != nil {
		host, port, err := parseAddress(addr)
		if err != nil {
			return nil, err
		}
		cfg.Host, cfg.Port = host, port
	}

	var err error
	if cfg.Secure, err = parseSecure(v.Get("secure")); err != nil {
		return nil, err
	}
	if cfg.RateLimit, err = ParseRateLimit(v.Get("rate_limit")); err != nil {
		return nil, err
	}

	applyOverrides(cfg, ov)
	substitutePlaceholders(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *Config, ov Overrides) {
	if ov.Port != nil {
		cfg.Port = *ov.Port
	}
	if ov.Host != nil {
		cfg.Host = *ov.Host
	}
	if ov.Path != nil {
		cfg.Path = *ov.Path
	}
	if ov.Name != nil {
		cfg.ServerName = *ov.Name
	}
	if ov.UsersFile != nil {
		cfg.UsersFile = *ov.UsersFile
	}
	if ov.LogFile != nil {
		cfg.FileHandler = *ov.LogFile
	}
	if ov.Level != nil {
		cfg.Level = *ov.Level
	}
}

func substitutePlaceholders(cfg *Config) {
	if strings.EqualFold(cfg.ServerName, "%HOSTNAME%") {
		if hostname, err := os.Hostname(); err == nil {
			cfg.ServerName = hostname
		} else {
			cfg.ServerName = "server"
		}
	}
	if strings.EqualFold(cfg.Host, "%IP%") {
		cfg.Host = localIP()
	}
}

func parseAddress(raw any) (string, int, error) {
	parts, ok := raw.([]any)
	if !ok || len(parts) != 2 {
		return "", 0, fmt.Errorf("config: address must be a [host, port] pair")
	}
	host, ok := parts[0].(string)
	if !ok {
		return "", 0, fmt.Errorf("config: address host must be a string")
	}
	port, err := toInt(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("config: address port: %w", err)
	}
	return host, port, nil
}

func parseSecure(raw any) (*Secure, error) {
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case bool:
		if val {
			return nil, fmt.Errorf("config: secure must be false or a [certfile, keyfile, protocol] triple")
		}
		return nil, nil
	case []any:
		if len(val) != 3 {
			return nil, fmt.Errorf("config: secure must have exactly [certfile, keyfile, protocol]")
		}
		cert, ok1 := val[0].(string)
		key, ok2 := val[1].(string)
		proto, ok3 := val[2].(string)
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("config: secure elements must be strings")
		}
		min, ok := tlsProtocolNames[proto]
		if !ok {
			return nil, fmt.Errorf("config: unknown TLS protocol %q", proto)
		}
		return &Secure{CertFile: cert, KeyFile: key, Protocol: proto, MinVersion: min}, nil
	default:
		return nil, fmt.Errorf("config: secure must be false or a [certfile, keyfile, protocol] triple")
	}
}

// ParseRateLimit converts the config/wire representation (a list of
// [window_seconds, max_requests] pairs, or null) into rules. The admin
// update_rate_limit command funnels through the same parser.
func ParseRateLimit(raw any) ([]ratelimit.Rule, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := asAnySlice(raw)
	if !ok {
		return nil, fmt.Errorf("config: rate_limit must be a list of [window, max] pairs or null")
	}
	rules := make([]ratelimit.Rule, 0, len(list))
	for _, entry := range list {
		pair, ok := asAnySlice(entry)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("config: rate_limit entries must be [window, max] pairs")
		}
		window, err := toInt64(pair[0])
		if err != nil {
			return nil, fmt.Errorf("config: rate_limit window: %w", err)
		}
		max, err := toInt64(pair[1])
		if err != nil {
			return nil, fmt.Errorf("config: rate_limit max: %w", err)
		}
		if window <= 0 || max <= 0 {
			return nil, fmt.Errorf("config: rate_limit values must be positive")
		}
		rules = append(rules, ratelimit.Rule{WindowSeconds: window, Max: max})
	}
	return rules, nil
}

// RateLimitSetting converts rules back into the config/wire representation.
func RateLimitSetting(rules []ratelimit.Rule) any {
	if len(rules) == 0 {
		return nil
	}
	out := make([]any, 0, len(rules))
	for _, r := range rules {
		out = append(out, []any{r.WindowSeconds, r.Max})
	}
	return out
}

// asAnySlice accepts both JSON-decoded slices and the wire codec's list and
// tuple kinds, so the admin update_rate_limit arguments parse the same way
// the config file does.
func asAnySlice(raw any) ([]any, bool) {
	switch v := raw.(type) {
	case []any:
		return v, true
	case wire.List:
		return v, true
	case wire.Tuple:
		return v, true
	default:
		return nil, false
	}
}

func toInt(raw any) (int, error) {
	n, err := toInt64(raw)
	return int(n), err
}

func toInt64(raw any) (int64, error) {
	switch n := raw.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", raw)
	}
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// localIP makes a best-effort guess at the host's local IP by opening a UDP
// socket that is never actually used to send anything.
func localIP() string {
	conn, err := net.Dial("udp", "10.255.255.255:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
