package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Login     LoginConfig
	Capture   CaptureConfig
	Storage   StorageConfig
	Profile   ProfileConfig
	Events    EventsConfig
	RateLimit RateLimitConfig
	Debug     DebugConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type BrowserConfig struct {
	Driver         string // chromedp | playwright
	Mode           string // local | container | remote
	RemoteURL      string
	ContainerImage string
	ContainerPort  int
	ExecPath       string
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	UserDataDir    string

	PlaywrightInstall bool
}

type LoginConfig struct {
	Mode             string // manual | credentials
	HomeURL          string
	LoginURL         string
	MarkerSelector   string
	UsernameSelector string
	PasswordSelector string
	SubmitSelector   string
	Username         string
	Password         string
	Timeout          time.Duration
	TypeDelay        time.Duration
}

type CaptureConfig struct {
	FullPage          bool
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	Timeout           time.Duration
	MaxConcurrentTabs int
	IdleMaxInflight   int
	IdleQuietPeriod   time.Duration
}

type StorageConfig struct {
	Backend   string // disk | s3
	Dir       string
	URLPrefix string
	S3        S3Config
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	KeyPrefix       string
	URLMode         string
	PresignedTTL    time.Duration
}

type ProfileConfig struct {
	SnapshotDir string
	RestoreFrom string
}

type EventsConfig struct {
	NATSURL       string
	SubjectPrefix string
}

type RateLimitConfig struct {
	RequestsPerHour int
	Burst           int
}

// DebugConfig controls the DevTools websocket proxy at /debug/ws
type DebugConfig struct {
	ProxyEnabled bool
	ProxyToken   string
	LoginOnly    bool
}

type LogConfig struct {
	Level  string
	Format string
}

const minProxyTokenLength = 16

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Load reads configuration from the environment, loading a .env file first if present
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function
func FromEnv(getenv func(string) string) (*Config, error) {
	e := env{getenv: getenv}

	cfg := &Config{
		Server: ServerConfig{
			Port:            e.getString("PORT", "3000"),
			ReadTimeout:     e.getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    e.getDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			IdleTimeout:     e.getDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: e.getDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Browser: BrowserConfig{
			Driver:         strings.ToLower(e.getString("BROWSER_DRIVER", "chromedp")),
			Mode:           strings.ToLower(e.getString("BROWSER_MODE", "local")),
			RemoteURL:      e.getString("BROWSER_REMOTE_URL", ""),
			ContainerImage: e.getString("BROWSER_CONTAINER_IMAGE", "chromedp/headless-shell:latest"),
			ContainerPort:  e.getInt("BROWSER_CONTAINER_PORT", 9222),
			ExecPath:       e.getString("CHROME_PATH", ""),
			Headless:       e.getBool("HEADLESS", false),
			ViewportWidth:  e.getInt("VIEWPORT_WIDTH", 1920),
			ViewportHeight: e.getInt("VIEWPORT_HEIGHT", 1080),
			UserAgent:      e.getString("USER_AGENT", defaultUserAgent),
			UserDataDir:    e.getString("USER_DATA_DIR", "./browser_data"),

			PlaywrightInstall: e.getBool("PLAYWRIGHT_INSTALL", true),
		},
		Login: LoginConfig{
			Mode:             strings.ToLower(e.getString("LOGIN_MODE", "manual")),
			HomeURL:          e.getString("HOME_URL", "https://twitter.com/home"),
			LoginURL:         e.getString("LOGIN_URL", "https://twitter.com/login"),
			MarkerSelector:   e.getString("LOGIN_MARKER_SELECTOR", `div[data-testid="primaryColumn"]`),
			UsernameSelector: e.getString("LOGIN_USERNAME_SELECTOR", `input[name="session[username_or_email]"]`),
			PasswordSelector: e.getString("LOGIN_PASSWORD_SELECTOR", `input[name="session[password]"]`),
			SubmitSelector:   e.getString("LOGIN_SUBMIT_SELECTOR", `div[data-testid="LoginForm_Login_Button"]`),
			Username:         e.getString("LOGIN_USERNAME", ""),
			Password:         e.getString("LOGIN_PASSWORD", ""),
			Timeout:          e.getDuration("LOGIN_TIMEOUT", 60*time.Second),
			TypeDelay:        e.getDuration("LOGIN_TYPE_DELAY", 50*time.Millisecond),
		},
		Capture: CaptureConfig{
			FullPage:          e.getBool("FULL_PAGE", true),
			NavigationTimeout: e.getDuration("NAVIGATION_TIMEOUT", 30*time.Second),
			SettleDelay:       e.getDuration("SETTLE_DELAY", 5*time.Second),
			Timeout:           e.getDuration("CAPTURE_TIMEOUT", 60*time.Second),
			MaxConcurrentTabs: e.getInt("MAX_CONCURRENT_TABS", 1),
			IdleMaxInflight:   e.getInt("IDLE_MAX_INFLIGHT", 2),
			IdleQuietPeriod:   e.getDuration("IDLE_QUIET_PERIOD", 500*time.Millisecond),
		},
		Storage: StorageConfig{
			Backend:   strings.ToLower(e.getString("STORAGE_BACKEND", "disk")),
			Dir:       e.getString("SCREENSHOT_DIR", "./screenshots"),
			URLPrefix: e.getString("SCREENSHOT_URL_PREFIX", "/screenshots"),
			S3: S3Config{
				Bucket:          e.getString("S3_BUCKET", ""),
				Region:          e.getString("S3_REGION", "us-east-1"),
				Endpoint:        e.getString("S3_ENDPOINT", ""),
				AccessKeyID:     e.getString("S3_ACCESS_KEY_ID", ""),
				SecretAccessKey: e.getString("S3_SECRET_ACCESS_KEY", ""),
				UsePathStyle:    e.getBool("S3_USE_PATH_STYLE", true),
				KeyPrefix:       e.getString("S3_KEY_PREFIX", "screenshots"),
				URLMode:         e.getString("S3_URL_MODE", "presigned"),
				PresignedTTL:    e.getDuration("S3_PRESIGNED_TTL", 15*time.Minute),
			},
		},
		Profile: ProfileConfig{
			SnapshotDir: e.getString("PROFILE_SNAPSHOT_DIR", ""),
			RestoreFrom: e.getString("PROFILE_RESTORE_FROM", ""),
		},
		Events: EventsConfig{
			NATSURL:       e.getString("NATS_URL", ""),
			SubjectPrefix: e.getString("NATS_SUBJECT_PREFIX", "sessionshot"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerHour: e.getInt("RATE_LIMIT_PER_HOUR", 100),
			Burst:           e.getInt("RATE_LIMIT_BURST", 10),
		},
		Debug: DebugConfig{
			ProxyEnabled: e.getBool("DEBUG_PROXY", false),
			ProxyToken:   e.getString("DEBUG_PROXY_TOKEN", ""),
			LoginOnly:    e.getBool("DEBUG_PROXY_LOGIN_ONLY", true),
		},
		Log: LogConfig{
			Level:  e.getString("LOG_LEVEL", "info"),
			Format: e.getString("LOG_FORMAT", "console"),
		},
	}

	if len(e.errs) > 0 {
		return nil, e.errs[0]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Browser.Driver {
	case "chromedp", "playwright":
	default:
		return fmt.Errorf("unsupported BROWSER_DRIVER: %s", c.Browser.Driver)
	}

	switch c.Browser.Mode {
	case "local":
	case "container", "remote":
		if c.Browser.Driver != "chromedp" {
			return fmt.Errorf("BROWSER_MODE=%s requires BROWSER_DRIVER=chromedp", c.Browser.Mode)
		}
		if c.Browser.Mode == "remote" && c.Browser.RemoteURL == "" {
			return fmt.Errorf("BROWSER_REMOTE_URL is required when BROWSER_MODE=remote")
		}
	default:
		return fmt.Errorf("unsupported BROWSER_MODE: %s", c.Browser.Mode)
	}

	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("viewport must be positive, got %dx%d", c.Browser.ViewportWidth, c.Browser.ViewportHeight)
	}

	if strings.TrimSpace(c.Browser.UserDataDir) == "" {
		return fmt.Errorf("USER_DATA_DIR is required")
	}

	switch c.Login.Mode {
	case "manual":
	case "credentials":
		if c.Login.Username == "" || c.Login.Password == "" {
			return fmt.Errorf("LOGIN_USERNAME and LOGIN_PASSWORD are required when LOGIN_MODE=credentials")
		}
	default:
		return fmt.Errorf("unsupported LOGIN_MODE: %s", c.Login.Mode)
	}

	if c.Login.MarkerSelector == "" {
		return fmt.Errorf("LOGIN_MARKER_SELECTOR is required")
	}

	if c.Login.Timeout <= 0 || c.Capture.NavigationTimeout <= 0 || c.Capture.Timeout <= 0 {
		return fmt.Errorf("LOGIN_TIMEOUT, NAVIGATION_TIMEOUT and CAPTURE_TIMEOUT must be positive")
	}

	if c.Capture.MaxConcurrentTabs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TABS must be at least 1")
	}

	if c.Debug.ProxyEnabled && len(c.Debug.ProxyToken) < minProxyTokenLength {
		return fmt.Errorf("DEBUG_PROXY_TOKEN of at least %d characters is required when DEBUG_PROXY is enabled", minProxyTokenLength)
	}

	switch c.Storage.Backend {
	case "disk":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND: %s", c.Storage.Backend)
	}

	return nil
}

// Addr returns the listen address for the HTTP server
func (c *ServerConfig) Addr() string {
	return ":" + c.Port
}

type env struct {
	getenv func(string) string
	errs   []error
}

func (e *env) getString(key, defaultValue string) string {
	if value := strings.TrimSpace(e.getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func (e *env) getBool(key string, defaultValue bool) bool {
	value := strings.TrimSpace(e.getenv(key))
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return parsed
}

func (e *env) getInt(key string, defaultValue int) int {
	value := strings.TrimSpace(e.getenv(key))
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return parsed
}

func (e *env) getDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(e.getenv(key))
	if value == "" {
		return defaultValue
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return parsed
}
