// Package client assembles the chat client from its configuration.
package client

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"chatzone/internal/pipeline"
)

const (
	envPrefix          = "CHATZONE_"
	defaultDataDir     = "chatzone-data"
	defaultBackend     = "http://127.0.0.1:5000"
	defaultBridgeAddr  = ""
	defaultUnreadSync  = 30 * time.Second
	defaultTolerance   = time.Second
	defaultHTTPTimeout = 15 * time.Second
	defaultUploadWait  = 30 * time.Second
	defaultCacheLimit  = 500
)

// Config holds client settings. Precedence is flags, then process
// environment (CHATZONE_*), then the .env file, then the YAML file, then
// defaults.
type Config struct {
	BackendURL     string        `yaml:"backend_url"`
	SocketURL      string        `yaml:"socket_url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Token          string        `yaml:"token"`
	DataDir        string        `yaml:"data_dir"`
	CacheDB        string        `yaml:"cache_db"`
	StagingDir     string        `yaml:"staging_dir"`
	CacheLimit     int           `yaml:"cache_limit"`
	Secret         string        `yaml:"secret"`
	BridgeAddr     string        `yaml:"bridge_addr"`
	BridgeToken    string        `yaml:"bridge_token"`
	UseTUI         bool          `yaml:"tui"`
	NoColor        bool          `yaml:"no_color"`
	LogLevel       string        `yaml:"log_level"`
	LogJSON        bool          `yaml:"log_json"`
	LogFile        string        `yaml:"log_file"`
	Tolerance      time.Duration `yaml:"dedup_tolerance"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	UploadTimeout  time.Duration `yaml:"upload_timeout"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	UnreadSync     time.Duration `yaml:"unread_sync"`
	MaxUpload      int64         `yaml:"max_upload"`
	AssistantName  string        `yaml:"assistant_name"`

	// ConfigFile and EnvFile are where the file layers were read from.
	ConfigFile string `yaml:"-"`
	EnvFile    string `yaml:"-"`
}

func defaults() *Config {
	return &Config{
		BackendURL:     defaultBackend,
		DataDir:        defaultDataDir,
		CacheLimit:     defaultCacheLimit,
		BridgeAddr:     defaultBridgeAddr,
		LogLevel:       "info",
		Tolerance:      defaultTolerance,
		RequestTimeout: defaultHTTPTimeout,
		UploadTimeout:  defaultUploadWait,
		PendingTimeout: pipeline.DefaultPendingTimeout,
		UnreadSync:     defaultUnreadSync,
		MaxUpload:      pipeline.DefaultMaxUpload,
		AssistantName:  pipeline.DefaultAssistantName,
		ConfigFile:     "chatzone.yaml",
		EnvFile:        ".env",
	}
}

func (cfg *Config) bind(fs *flag.FlagSet) {
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "path to YAML config file")
	fs.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "path to .env file")
	fs.StringVar(&cfg.BackendURL, "backend", cfg.BackendURL, "chat backend base url")
	fs.StringVar(&cfg.SocketURL, "socket", cfg.SocketURL, "realtime websocket url (derived from --backend when empty)")
	fs.StringVar(&cfg.Username, "username", cfg.Username, "login name")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "login password")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "existing bearer token (skips login)")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "base directory for local data")
	fs.StringVar(&cfg.CacheDB, "cache-db", cfg.CacheDB, "path to the conversation cache db")
	fs.StringVar(&cfg.StagingDir, "staging-dir", cfg.StagingDir, "directory for files waiting to upload")
	fs.IntVar(&cfg.CacheLimit, "cache-limit", cfg.CacheLimit, "messages cached per conversation")
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "secret for encrypting the local cache")
	fs.StringVar(&cfg.BridgeAddr, "bridge-addr", cfg.BridgeAddr, "serve the local HTTP bridge on this address")
	fs.StringVar(&cfg.BridgeToken, "bridge-token", cfg.BridgeToken, "token required by the HTTP bridge")
	fs.BoolVar(&cfg.UseTUI, "tui", cfg.UseTUI, "enable terminal UI mode")
	fs.BoolVar(&cfg.NoColor, "no-color", cfg.NoColor, "disable ANSI colors in CLI output")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "log as JSON")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "write logs to this file")
	fs.DurationVar(&cfg.Tolerance, "dedup-tolerance", cfg.Tolerance, "timestamp window for duplicate detection")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "REST request timeout")
	fs.DurationVar(&cfg.UploadTimeout, "upload-timeout", cfg.UploadTimeout, "file upload timeout")
	fs.DurationVar(&cfg.PendingTimeout, "pending-timeout", cfg.PendingTimeout, "fail messages pending longer than this")
	fs.DurationVar(&cfg.UnreadSync, "unread-sync", cfg.UnreadSync, "interval between unread refreshes")
	fs.Int64Var(&cfg.MaxUpload, "max-upload", cfg.MaxUpload, "largest file accepted for sending, in bytes")
	fs.StringVar(&cfg.AssistantName, "assistant", cfg.AssistantName, "name of the assistant contact")
}

// envName maps a flag name to its environment variable.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// LoadConfig parses args and layers the file and environment sources
// underneath them. getenv is usually os.Getenv.
func LoadConfig(args []string, getenv func(string) string) (*Config, error) {
	cfg := defaults()
	fs := flag.NewFlagSet("chatzone", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.bind(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.SetOutput(os.Stderr)
			fs.PrintDefaults()
		}
		return nil, err
	}
	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	if _, set := explicit["config"]; !set && getenv(envName("config")) != "" {
		cfg.ConfigFile = getenv(envName("config"))
	}
	if err := cfg.loadFile(); err != nil {
		return nil, err
	}
	dotenv, err := readDotEnv(cfg.EnvFile)
	if err != nil {
		return nil, err
	}

	var setErr error
	fs.VisitAll(func(f *flag.Flag) {
		if setErr != nil || f.Name == "config" || f.Name == "env-file" {
			return
		}
		name := envName(f.Name)
		v := getenv(name)
		if v == "" {
			v = dotenv[name]
		}
		if v == "" {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			setErr = fmt.Errorf("%s: %w", name, err)
		}
	})
	if setErr != nil {
		return nil, setErr
	}
	for name, v := range explicit {
		if err := fs.Set(name, v); err != nil {
			return nil, fmt.Errorf("--%s: %w", name, err)
		}
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) loadFile() error {
	if cfg.ConfigFile == "" {
		return nil
	}
	data, err := os.ReadFile(cfg.ConfigFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	path, envFile := cfg.ConfigFile, cfg.EnvFile
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ConfigFile, cfg.EnvFile = path, envFile
	return nil
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	vals, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return vals, nil
}

// finish validates settings and derives the socket url and per-user paths.
func (cfg *Config) finish() error {
	cfg.BackendURL = strings.TrimRight(strings.TrimSpace(cfg.BackendURL), "/")
	u, err := url.Parse(cfg.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid backend url %q", cfg.BackendURL)
	}
	if cfg.SocketURL == "" {
		ws := *u
		ws.Scheme = "ws"
		if u.Scheme == "https" {
			ws.Scheme = "wss"
		}
		ws.Path = strings.TrimRight(u.Path, "/") + "/ws"
		cfg.SocketURL = ws.String()
	}
	if cfg.MaxUpload <= 0 {
		return fmt.Errorf("max upload must be positive")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	return nil
}

// UserDir is where per-user data lives once the username is known.
func (cfg *Config) UserDir(username string) string {
	return filepath.Join(cfg.DataDir, sanitizePathToken(username))
}

// Paths resolves the cache db and staging directory for username and
// creates the directories.
func (cfg *Config) Paths(username string) (cacheDB, stagingDir string, err error) {
	dir := cfg.UserDir(username)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("prepare data dir: %w", err)
	}
	cacheDB, stagingDir = cfg.CacheDB, cfg.StagingDir
	if cacheDB == "" {
		cacheDB = filepath.Join(dir, "cache.db")
	}
	if stagingDir == "" {
		stagingDir = filepath.Join(dir, "staged")
	}
	return cacheDB, stagingDir, nil
}

func sanitizePathToken(val string) string {
	val = strings.TrimSpace(val)
	var b strings.Builder
	for _, r := range val {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_':
			b.WriteRune(r)
		case r == '.', r == ':', r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}
