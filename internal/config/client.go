package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/livediff/internal/logx"
)

const (
	DefaultAPIURL = "http://localhost:8000/api"
	DefaultWSURL  = "ws://localhost:8000/ws"
)

// ClientConfig holds configuration for the livediff client.
type ClientConfig struct {
	APIURL      string `yaml:"api_url"`
	WSURL       string `yaml:"ws_url"`
	TLSKeyPath  string `yaml:"tls_key_path"`
	TLSCertPath string `yaml:"tls_cert_path"`
	Port        int    `yaml:"port"`

	CaptureDevice string  `yaml:"capture_device"`
	CaptureWidth  int     `yaml:"capture_width"`
	CaptureHeight int     `yaml:"capture_height"`
	FacingMode    string  `yaml:"facing_mode"`
	FrameRate     float64 `yaml:"frame_rate"`
	FrameFormat   string  `yaml:"frame_format"`
	Mirror        bool    `yaml:"mirror"`

	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	ReconnectBackoff     bool          `yaml:"reconnect_backoff"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	ResultTimeout        time.Duration `yaml:"result_timeout"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`

	RedisURL       string   `yaml:"redis_url"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AutoConnect    bool     `yaml:"auto_connect"`
	Preview        bool     `yaml:"preview"`

	ConfigFile string `yaml:"-"`
	LogLevel   string `yaml:"log_level"`

	warnings []string
}

// SetDefaults initializes c with built-in defaults.
func (c *ClientConfig) SetDefaults() {
	c.APIURL = DefaultAPIURL
	c.WSURL = DefaultWSURL
	c.TLSKeyPath = ".cert/key.pem"
	c.TLSCertPath = ".cert/cert.pem"
	c.Port = 5173
	c.CaptureDevice = "testpattern"
	c.CaptureWidth = 640
	c.CaptureHeight = 480
	c.FacingMode = "user"
	c.FrameRate = 6
	c.FrameFormat = "jpeg"
	c.Mirror = true
	c.ReconnectInterval = 5 * time.Second
	c.ResultTimeout = 5 * time.Second
	c.RequestTimeout = 10 * time.Second
	c.LogLevel = "info"
	c.ConfigFile = DefaultConfigPath("livediff.yaml")
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ClientConfig) ApplyEnv() {
	c.APIURL = getEnv("API_URL", c.APIURL)
	c.WSURL = getEnv("WS_URL", c.WSURL)
	c.TLSKeyPath = getEnv("TLS_KEY_PATH", c.TLSKeyPath)
	c.TLSCertPath = getEnv("TLS_CERT_PATH", c.TLSCertPath)
	if n, err := strconv.Atoi(env("APP_PORT")); err == nil {
		c.Port = n
	}
	c.ConfigFile = getEnv("CONFIG_FILE", c.ConfigFile)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.CaptureDevice = getEnv("CAPTURE_DEVICE", c.CaptureDevice)
	if n, err := strconv.Atoi(env("CAPTURE_WIDTH")); err == nil {
		c.CaptureWidth = n
	}
	if n, err := strconv.Atoi(env("CAPTURE_HEIGHT")); err == nil {
		c.CaptureHeight = n
	}
	c.FacingMode = getEnv("FACING_MODE", c.FacingMode)
	if f, err := strconv.ParseFloat(env("FRAME_RATE"), 64); err == nil {
		c.FrameRate = f
	}
	c.FrameFormat = getEnv("FRAME_FORMAT", c.FrameFormat)
	if b, err := strconv.ParseBool(env("MIRROR")); err == nil {
		c.Mirror = b
	}

	if d, err := time.ParseDuration(env("RECONNECT_INTERVAL")); err == nil {
		c.ReconnectInterval = d
	}
	if b, err := strconv.ParseBool(env("RECONNECT_BACKOFF")); err == nil {
		c.ReconnectBackoff = b
	}
	if n, err := strconv.Atoi(env("RECONNECT_MAX_ATTEMPTS")); err == nil {
		c.ReconnectMaxAttempts = n
	}
	if d, err := time.ParseDuration(env("RESULT_TIMEOUT")); err == nil {
		c.ResultTimeout = d
	}
	if d, err := time.ParseDuration(env("REQUEST_TIMEOUT")); err == nil {
		c.RequestTimeout = d
	}

	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	if v := env("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if b, err := strconv.ParseBool(env("AUTO_CONNECT")); err == nil {
		c.AutoConnect = b
	}
	if b, err := strconv.ParseBool(env("PREVIEW")); err == nil {
		c.Preview = b
	}
}

// BindFlagsFromCurrent binds command line flags using the current config values as defaults.
func (c *ClientConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "client config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.APIURL, "api-url", c.APIURL, "base URL of the remote configuration API")
	fs.StringVar(&c.WSURL, "ws-url", c.WSURL, "websocket URL of the realtime diffusion endpoint")
	fs.StringVar(&c.TLSKeyPath, "tls-key", c.TLSKeyPath, "TLS private key for the local control server (TLS is enabled when key and cert exist)")
	fs.StringVar(&c.TLSCertPath, "tls-cert", c.TLSCertPath, "TLS certificate for the local control server")
	fs.IntVar(&c.Port, "port", c.Port, "listen port of the local control server")
	fs.StringVar(&c.CaptureDevice, "device", c.CaptureDevice, "capture device: testpattern, dir:<path> or a snapshot http(s) URL")
	fs.IntVar(&c.CaptureWidth, "width", c.CaptureWidth, "requested capture width")
	fs.IntVar(&c.CaptureHeight, "height", c.CaptureHeight, "requested capture height")
	fs.StringVar(&c.FacingMode, "facing-mode", c.FacingMode, "camera facing hint (user or environment)")
	fs.Float64Var(&c.FrameRate, "frame-rate", c.FrameRate, "maximum frames sampled per second")
	fs.StringVar(&c.FrameFormat, "frame-format", c.FrameFormat, "frame encoding sent to the backend (jpeg or png)")
	fs.BoolVar(&c.Mirror, "mirror", c.Mirror, "horizontally flip captured frames")
	fs.DurationVar(&c.ReconnectInterval, "reconnect-interval", c.ReconnectInterval, "delay before an automatic reconnection attempt")
	fs.BoolVar(&c.ReconnectBackoff, "reconnect-backoff", c.ReconnectBackoff, "use stepped backoff instead of the fixed reconnect interval")
	fs.IntVar(&c.ReconnectMaxAttempts, "reconnect-max-attempts", c.ReconnectMaxAttempts, "give up automatic reconnection after this many attempts (0 = never)")
	fs.DurationVar(&c.ResultTimeout, "result-timeout", c.ResultTimeout, "how long a sent frame may wait for its result before the next one is allowed")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "timeout for remote configuration API requests")
	fs.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "redis connection URL for persisted settings (in-memory when empty)")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.BoolVar(&c.AutoConnect, "auto-connect", c.AutoConnect, "connect to the realtime endpoint at startup")
	fs.BoolVar(&c.Preview, "preview", c.Preview, "render processed images in the terminal using sixel graphics")
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *ClientConfig) BindFlags() {
	c.SetDefaults()
	c.ApplyEnv()
	c.BindFlagsFromCurrent(flag.CommandLine)
}

// Validate checks the values that would otherwise fail deep inside a component.
func (c *ClientConfig) Validate() error {
	if c.FrameRate <= 0 {
		return fmt.Errorf("frame rate must be positive, got %v", c.FrameRate)
	}
	if c.CaptureWidth <= 0 || c.CaptureHeight <= 0 {
		return fmt.Errorf("capture resolution must be positive, got %dx%d", c.CaptureWidth, c.CaptureHeight)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// TLSEnabled reports whether both TLS files are present on disk.
func (c *ClientConfig) TLSEnabled() bool {
	if c.TLSKeyPath == "" || c.TLSCertPath == "" {
		return false
	}
	if _, err := os.Stat(c.TLSKeyPath); err != nil {
		return false
	}
	if _, err := os.Stat(c.TLSCertPath); err != nil {
		return false
	}
	return true
}

// ListenAddr returns the control server listen address.
func (c *ClientConfig) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// ResolveEndpoints falls back to the default for an empty endpoint URL and
// records a warning for every endpoint left at its default. Call it after
// flags and the config file have been applied.
func (c *ClientConfig) ResolveEndpoints() {
	c.warnings = nil
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.APIURL == DefaultAPIURL {
		c.warnings = append(c.warnings, "API_URL not set, using default "+DefaultAPIURL)
	}
	if c.WSURL == "" {
		c.WSURL = DefaultWSURL
	}
	if c.WSURL == DefaultWSURL {
		c.warnings = append(c.warnings, "WS_URL not set, using default "+DefaultWSURL)
	}
}

// Warnings returns the fallback warnings collected by ResolveEndpoints.
func (c *ClientConfig) Warnings() []string {
	return append([]string(nil), c.warnings...)
}

var warnOnce sync.Once

// LogWarnings emits the collected fallback warnings. Only the first call in a
// process logs anything.
func (c *ClientConfig) LogWarnings() {
	warnOnce.Do(func() {
		for _, w := range c.warnings {
			logx.Log.Warn().Msg(w)
		}
	})
}

// LoadFile populates the config from a YAML file. Fields already set remain unless
// overwritten by corresponding entries in the file.
func (c *ClientConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(k, d string) string {
	if v := env(k); v != "" {
		return v
	}
	return d
}

var env = os.Getenv
