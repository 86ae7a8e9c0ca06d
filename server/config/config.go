package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults
const (
	defaultAddr            = ":8080"
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 15 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultStorePath       = "./.chatdata"
	defaultSendBuffer      = 256
	defaultPingInterval    = 25 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultWriteWait       = 10 * time.Second
	defaultMaxFrameBytes   = 64 * 1024
	defaultRateLimit       = 20
	defaultRateBurst       = 40
	defaultHistoryLimit    = 200
	defaultUploadDir       = "./uploads"
	defaultUploadMaxSize   = "10MB"
	defaultUploadPublic    = "/uploads/"
)

var (
	defaultRooms      = []string{"global", "General", "MERN_Stack", "Family", "Friends"}
	defaultAutoJoin   = []string{"global"}
	defaultExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".pdf", ".txt", ".doc", ".docx", ".ppt", ".pptx", ".zip"}
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
	Hub    HubConfig    `yaml:"hub"`
	Router RouterConfig `yaml:"router"`
	Rooms  RoomsConfig  `yaml:"rooms"`
	Upload UploadConfig `yaml:"upload"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins limits websocket upgrades; empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StoreConfig struct {
	// Path is the pebble directory; empty keeps everything in memory.
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HubConfig struct {
	SendBuffer    int           `yaml:"send_buffer"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	PongWait      time.Duration `yaml:"pong_wait"`
	WriteWait     time.Duration `yaml:"write_wait"`
	MaxFrameBytes int64         `yaml:"max_frame_bytes"`
	RateLimit     float64       `yaml:"rate_limit"`
	RateBurst     int           `yaml:"rate_burst"`
}

type RouterConfig struct {
	RequireMembership      bool `yaml:"require_membership"`
	FanoutOnPersistFailure bool `yaml:"fanout_on_persist_failure"`
	HistoryLimit           int  `yaml:"history_limit"`
}

type RoomsConfig struct {
	Defaults []string `yaml:"defaults"`
	AutoJoin []string `yaml:"auto_join"`
}

type UploadConfig struct {
	Dir               string   `yaml:"dir"`
	MaxSize           string   `yaml:"max_size"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	PublicPath        string   `yaml:"public_path"`

	// MaxBytes is MaxSize parsed by Validate.
	MaxBytes int64 `yaml:"-"`
}

// Default returns a config with every field set to its default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         defaultAddr,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Store: StoreConfig{Path: defaultStorePath},
		Log:   LogConfig{Level: "info", Format: "json"},
		Hub: HubConfig{
			SendBuffer:    defaultSendBuffer,
			PingInterval:  defaultPingInterval,
			PongWait:      defaultPongWait,
			WriteWait:     defaultWriteWait,
			MaxFrameBytes: defaultMaxFrameBytes,
			RateLimit:     defaultRateLimit,
			RateBurst:     defaultRateBurst,
		},
		Router: RouterConfig{
			RequireMembership: true,
			HistoryLimit:      defaultHistoryLimit,
		},
		Rooms: RoomsConfig{
			Defaults: append([]string(nil), defaultRooms...),
			AutoJoin: append([]string(nil), defaultAutoJoin...),
		},
		Upload: UploadConfig{
			Dir:               defaultUploadDir,
			MaxSize:           defaultUploadMaxSize,
			AllowedExtensions: append([]string(nil), defaultExtensions...),
			PublicPath:        defaultUploadPublic,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies environment
// overrides and validates. A missing file is not an error when optional is true.
func Load(path string, optional bool) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(filepath.Clean(path))
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && optional:
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env style files into the process environment. Missing files
// are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from CHAT_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("CHAT_ADDR", &c.Server.Address)
	str("CHAT_DB_PATH", &c.Store.Path)
	str("CHAT_LOG_LEVEL", &c.Log.Level)
	str("CHAT_LOG_FORMAT", &c.Log.Format)
	str("CHAT_UPLOAD_DIR", &c.Upload.Dir)
	str("CHAT_UPLOAD_MAX_SIZE", &c.Upload.MaxSize)
	list("CHAT_ALLOWED_ORIGINS", &c.Server.AllowedOrigins)
	list("CHAT_DEFAULT_ROOMS", &c.Rooms.Defaults)
	list("CHAT_AUTO_JOIN", &c.Rooms.AutoJoin)
	if err := boolean("CHAT_REQUIRE_MEMBERSHIP", &c.Router.RequireMembership); err != nil {
		return err
	}
	return boolean("CHAT_FANOUT_ON_PERSIST_FAILURE", &c.Router.FanoutOnPersistFailure)
}

// Validate checks ranges and parses derived fields.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return errors.New("server.address is required")
	}
	if c.Hub.SendBuffer <= 0 {
		return fmt.Errorf("hub.send_buffer must be positive, got %d", c.Hub.SendBuffer)
	}
	if c.Hub.PingInterval <= 0 || c.Hub.PongWait <= c.Hub.PingInterval {
		return fmt.Errorf("hub.pong_wait (%s) must exceed hub.ping_interval (%s)", c.Hub.PongWait, c.Hub.PingInterval)
	}
	if c.Hub.WriteWait <= 0 {
		return errors.New("hub.write_wait must be positive")
	}
	if c.Hub.MaxFrameBytes <= 0 {
		return errors.New("hub.max_frame_bytes must be positive")
	}
	if c.Hub.RateLimit <= 0 || c.Hub.RateBurst <= 0 {
		return errors.New("hub.rate_limit and hub.rate_burst must be positive")
	}
	if c.Router.HistoryLimit <= 0 {
		c.Router.HistoryLimit = defaultHistoryLimit
	}
	size, err := humanize.ParseBytes(c.Upload.MaxSize)
	if err != nil {
		return fmt.Errorf("upload.max_size %q: %w", c.Upload.MaxSize, err)
	}
	if size == 0 {
		return errors.New("upload.max_size must be positive")
	}
	c.Upload.MaxBytes = int64(size)
	for i, ext := range c.Upload.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Upload.AllowedExtensions[i] = ext
	}
	if !strings.HasPrefix(c.Upload.PublicPath, "/") || !strings.HasSuffix(c.Upload.PublicPath, "/") {
		return fmt.Errorf("upload.public_path %q must start and end with /", c.Upload.PublicPath)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
