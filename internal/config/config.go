package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	appName        = "mediagate"
	configFileName = "config.yaml"
	dbFileName     = "downloads.db"

	downloadDirName = "download"

	defaultListen                 = "127.0.0.1:27232"
	defaultScheme                 = "mediagate"
	defaultUserAgent              = "MediaGate/1.0"
	defaultMaxConcurrentDownloads = 3
	defaultProgressSaveInterval   = 2 * time.Second
	defaultStallTimeout           = 30 * time.Second
	defaultEventBuffer            = 64
)

// Flag names understood by BindFlags and Load.
const (
	FlagConfig       = "config"
	FlagListen       = "listen"
	FlagScheme       = "scheme"
	FlagDataDir      = "data-dir"
	FlagDownloadDir  = "download-dir"
	FlagStatic       = "static"
	FlagUserAgent    = "user-agent"
	FlagMaxDownloads = "mcd"
	FlagSaveInterval = "save-interval"
	FlagStallTimeout = "stall-timeout"
	FlagEventBuffer  = "event-buffer"
	FlagLogFile      = "log-file"
	FlagDebug        = "debug"
)

// Config holds the configuration options for the gateway.
type Config struct {
	Listen                 string        `yaml:"listen,omitempty"`
	Scheme                 string        `yaml:"scheme,omitempty"`
	DataDir                string        `yaml:"dataDir,omitempty"`
	DownloadDir            string        `yaml:"downloadDir,omitempty"`
	StaticURL              string        `yaml:"staticURL,omitempty"`
	UserAgent              string        `yaml:"userAgent,omitempty"`
	MaxConcurrentDownloads int           `yaml:"maxConcurrentDownloads,omitempty"`
	ProgressSaveInterval   time.Duration `yaml:"progressSaveInterval,omitempty"`
	StallTimeout           time.Duration `yaml:"stallTimeout,omitempty"`
	EventBuffer            int           `yaml:"eventBuffer,omitempty"`
	LogFile                string        `yaml:"logFile,omitempty"`
	Debug                  bool          `yaml:"debug,omitempty"`
}

func DefaultConfig() Config {
	dataDir := filepath.Join(xdg.DataHome, appName)
	return Config{
		Listen:                 defaultListen,
		Scheme:                 defaultScheme,
		DataDir:                dataDir,
		DownloadDir:            filepath.Join(dataDir, downloadDirName),
		UserAgent:              defaultUserAgent,
		MaxConcurrentDownloads: defaultMaxConcurrentDownloads,
		ProgressSaveInterval:   defaultProgressSaveInterval,
		StallTimeout:           defaultStallTimeout,
		EventBuffer:            defaultEventBuffer,
	}
}

// Path is the default location of the config file.
func Path() string {
	return filepath.Join(xdg.ConfigHome, appName, configFileName)
}

// DBPath is where the download records are persisted.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, dbFileName)
}

// BindFlags registers the command line overrides on fs.
func BindFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String(FlagConfig, "", "path to the config file (default "+Path()+")")
	fs.String(FlagListen, d.Listen, "address the gateway listens on")
	fs.String(FlagScheme, d.Scheme, "custom URL scheme of the player, never proxied")
	fs.String(FlagDataDir, d.DataDir, "directory for the download database")
	fs.String(FlagDownloadDir, "", "directory new downloads are saved to (default <data-dir>/download)")
	fs.String(FlagStatic, d.StaticURL, "bucket URL of the bundled UI assets (file://, mem://)")
	fs.String(FlagUserAgent, d.UserAgent, "User-Agent sent to remote origins")
	fs.Int(FlagMaxDownloads, d.MaxConcurrentDownloads, "max number of downloads that run together")
	fs.Duration(FlagSaveInterval, d.ProgressSaveInterval, "minimum interval between progress saves of one download")
	fs.Duration(FlagStallTimeout, d.StallTimeout, "interrupt a download that receives no data for this long")
	fs.Int(FlagEventBuffer, d.EventBuffer, "buffered events per UI subscriber")
	fs.String(FlagLogFile, d.LogFile, "also write logs to this file")
	fs.Bool(FlagDebug, d.Debug, "enable debug logging")
}

// Load reads the config file and applies the flags explicitly set on fs.
// A missing config file means defaults. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	path := Path()
	if fs != nil {
		if p, err := fs.GetString(FlagConfig); err == nil && p != "" {
			path = p
		}
	}

	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}

	defaults := DefaultConfig()
	conf := Config{
		Listen:                 zeroOr(cfg.Listen, defaults.Listen),
		Scheme:                 zeroOr(cfg.Scheme, defaults.Scheme),
		DataDir:                zeroOr(cfg.DataDir, defaults.DataDir),
		DownloadDir:            cfg.DownloadDir,
		StaticURL:              zeroOr(cfg.StaticURL, defaults.StaticURL),
		UserAgent:              zeroOr(cfg.UserAgent, defaults.UserAgent),
		MaxConcurrentDownloads: zeroOr(cfg.MaxConcurrentDownloads, defaults.MaxConcurrentDownloads),
		ProgressSaveInterval:   zeroOr(cfg.ProgressSaveInterval, defaults.ProgressSaveInterval),
		StallTimeout:           zeroOr(cfg.StallTimeout, defaults.StallTimeout),
		EventBuffer:            zeroOr(cfg.EventBuffer, defaults.EventBuffer),
		LogFile:                zeroOr(cfg.LogFile, defaults.LogFile),
		Debug:                  zeroOr(cfg.Debug, defaults.Debug),
	}

	if fs != nil {
		if err := conf.applyFlags(fs); err != nil {
			return nil, err
		}
	}

	if conf.DownloadDir == "" {
		conf.DownloadDir = filepath.Join(conf.DataDir, downloadDirName)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}

	return &conf, nil
}

func readFile(path string) (Config, error) {
	var cfg Config

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if len(b) > 0 {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}

// applyFlags copies the flags the user set on the command line into c.
func (c *Config) applyFlags(fs *pflag.FlagSet) error {
	var errs []error
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			v, err := fs.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if fs.Changed(name) {
			v, err := fs.GetInt(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if fs.Changed(name) {
			v, err := fs.GetDuration(name)
			errs = append(errs, err)
			*dst = v
		}
	}

	str(FlagListen, &c.Listen)
	str(FlagScheme, &c.Scheme)
	str(FlagDataDir, &c.DataDir)
	str(FlagDownloadDir, &c.DownloadDir)
	str(FlagStatic, &c.StaticURL)
	str(FlagUserAgent, &c.UserAgent)
	num(FlagMaxDownloads, &c.MaxConcurrentDownloads)
	dur(FlagSaveInterval, &c.ProgressSaveInterval)
	dur(FlagStallTimeout, &c.StallTimeout)
	num(FlagEventBuffer, &c.EventBuffer)
	str(FlagLogFile, &c.LogFile)
	if fs.Changed(FlagDebug) {
		v, err := fs.GetBool(FlagDebug)
		errs = append(errs, err)
		c.Debug = v
	}

	return errors.Join(errs...)
}

func (c *Config) validate() error {
	switch {
	case c.Listen == "":
		return fmt.Errorf("%w: listen address is empty", ErrInvalidConfig)
	case c.Scheme == "":
		return fmt.Errorf("%w: scheme is empty", ErrInvalidConfig)
	case isWebScheme(c.Scheme):
		return fmt.Errorf("%w: scheme %q would disable the proxy", ErrInvalidConfig, c.Scheme)
	case c.DataDir == "" || c.DownloadDir == "":
		return fmt.Errorf("%w: data and download directories are required", ErrInvalidConfig)
	case c.MaxConcurrentDownloads <= 0:
		return fmt.Errorf("%w: maxConcurrentDownloads must be positive", ErrInvalidConfig)
	case c.ProgressSaveInterval < 0 || c.StallTimeout <= 0:
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	case c.EventBuffer <= 0:
		return fmt.Errorf("%w: eventBuffer must be positive", ErrInvalidConfig)
	}
	return nil
}

func isWebScheme(s string) bool {
	s = strings.ToLower(s)
	return s == "http" || s == "https"
}
