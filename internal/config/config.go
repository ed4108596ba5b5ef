package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

const (
	defaultProxyPort   = 8080
	defaultSyncPort    = 8787
	defaultRAMMax      = "64mb"
	defaultDiskMax     = "1gb"
	defaultDataDir     = "./data"
	defaultTimeout     = 30 * time.Second
	defaultConcurrency = 8
	defaultMaxBody     = "25mb"
	defaultRedisPrefix = "offsync:"
)

// Sync backends.
const (
	BackendLevelDB = "leveldb"
	BackendRedis   = "redis"
	BackendMemory  = "memory"
)

type Config struct {
	Cache   CacheConfig   `yaml:"cache"`
	Sync    SyncConfig    `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`
}

type CacheConfig struct {
	Port       int    `yaml:"port"`
	Origin     string `yaml:"origin"`
	Generation string `yaml:"generation"`

	Manifest struct {
		Paths    []string `yaml:"paths"`
		Sitemaps []string `yaml:"sitemaps"`
	} `yaml:"manifest"`

	// AllowList holds URL prefixes of third-party origins cached on first use.
	AllowList []string `yaml:"allowList"`

	Storage struct {
		Dir string `yaml:"dir"`
		RAM struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Upstream struct {
		Timeout     string `yaml:"timeout"`
		Concurrency int    `yaml:"concurrency"`
	} `yaml:"upstream"`

	Coalesce bool `yaml:"coalesce"`

	// compiled
	OriginURL   *url.URL      `yaml:"-"`
	RAMMaxBytes int64         `yaml:"-"`
	DiskMax     int64         `yaml:"-"`
	TimeoutDur  time.Duration `yaml:"-"`
}

type SyncConfig struct {
	Port    int    `yaml:"port"`
	Backend string `yaml:"backend"`
	MaxBody string `yaml:"maxBody"`

	LevelDB struct {
		Path string `yaml:"path"`
	} `yaml:"leveldb"`

	Redis struct {
		Addr      string `yaml:"addr"`
		Prefix    string `yaml:"prefix"`
		MaxIdle   int    `yaml:"maxIdle"`
		MaxActive int    `yaml:"maxActive"`
	} `yaml:"redis"`

	// compiled
	MaxBodyBytes int64 `yaml:"-"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	StatsEvery string `yaml:"statsEvery"`

	// compiled
	StatsEveryDur time.Duration `yaml:"-"`
}

// Load reads and validates the YAML file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, zerr.With(zerr.Wrap(err, "failed to read config file"), "path", path)
	}
	return Parse(b)
}

// Parse decodes a YAML document, applies defaults and compiles derived fields.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, zerr.Wrap(err, "failed to parse config file")
	}
	if err := cfg.Cache.compile(); err != nil {
		return Config{}, err
	}
	if err := cfg.Sync.compile(); err != nil {
		return Config{}, err
	}
	if err := cfg.Logging.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *CacheConfig) compile() error {
	if c.Port == 0 {
		c.Port = defaultProxyPort
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = defaultDataDir + "/cache"
	}
	if c.Storage.RAM.Max == "" {
		c.Storage.RAM.Max = defaultRAMMax
	}
	if c.Storage.Disk.Max == "" {
		c.Storage.Disk.Max = defaultDiskMax
	}
	if c.Upstream.Concurrency <= 0 {
		c.Upstream.Concurrency = defaultConcurrency
	}

	ram, err := parseBytes(c.Storage.RAM.Max)
	if err != nil {
		return fmt.Errorf("cache.storage.ram.max: %w", err)
	}
	disk, err := parseBytes(c.Storage.Disk.Max)
	if err != nil {
		return fmt.Errorf("cache.storage.disk.max: %w", err)
	}
	c.RAMMaxBytes, c.DiskMax = ram, disk

	c.TimeoutDur = defaultTimeout
	if c.Upstream.Timeout != "" {
		d, err := time.ParseDuration(c.Upstream.Timeout)
		if err != nil {
			return fmt.Errorf("cache.upstream.timeout: %w", err)
		}
		c.TimeoutDur = d
	}

	// The cache section is optional as a whole: a sync-only deployment
	// leaves origin and generation empty.
	if c.Origin == "" {
		return nil
	}
	u, err := url.Parse(strings.TrimSpace(c.Origin))
	if err != nil {
		return fmt.Errorf("cache.origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("cache.origin: absolute http(s) URL required, got %q", c.Origin)
	}
	// The origin is a directory: relative manifest paths resolve inside it.
	if u.Path != "" && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
		if u.RawPath != "" {
			u.RawPath += "/"
		}
	}
	c.Origin = u.String()
	c.OriginURL = u

	c.Generation = strings.TrimSpace(c.Generation)
	if c.Generation == "" {
		return fmt.Errorf("cache.generation is required when cache.origin is set")
	}

	for i, p := range c.Manifest.Paths {
		p = strings.TrimSpace(p)
		if p == "" {
			return fmt.Errorf("cache.manifest.paths[%d]: empty path", i)
		}
		c.Manifest.Paths[i] = p
	}
	for i, p := range c.AllowList {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "http://") && !strings.HasPrefix(p, "https://") {
			return fmt.Errorf("cache.allowList[%d]: absolute http(s) prefix required, got %q", i, p)
		}
		c.AllowList[i] = p
	}
	return nil
}

func (s *SyncConfig) compile() error {
	if s.Port == 0 {
		s.Port = defaultSyncPort
	}
	if s.Backend == "" {
		s.Backend = BackendLevelDB
	}
	if s.MaxBody == "" {
		s.MaxBody = defaultMaxBody
	}
	n, err := parseBytes(s.MaxBody)
	if err != nil {
		return fmt.Errorf("sync.maxBody: %w", err)
	}
	s.MaxBodyBytes = n

	switch s.Backend {
	case BackendLevelDB:
		if s.LevelDB.Path == "" {
			s.LevelDB.Path = defaultDataDir + "/sync"
		}
	case BackendRedis:
		if s.Redis.Addr == "" {
			return fmt.Errorf("sync.redis.addr is required for the redis backend")
		}
		if s.Redis.Prefix == "" {
			s.Redis.Prefix = defaultRedisPrefix
		}
	case BackendMemory:
	default:
		return fmt.Errorf("sync.backend: unknown backend %q", s.Backend)
	}
	return nil
}

func (l *LoggingConfig) compile() error {
	if l.StatsEvery == "" {
		return nil
	}
	d, err := time.ParseDuration(l.StatsEvery)
	if err != nil {
		return fmt.Errorf("logging.statsEvery: %w", err)
	}
	l.StatsEveryDur = d
	return nil
}

// parseBytes accepts humanized sizes such as "512kb", "64 MiB" or "1gb".
// Decimal and binary suffixes are both read as powers of 1024.
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	if !strings.Contains(s, "i") {
		for _, suf := range []string{"kb", "mb", "gb", "tb", "k", "m", "g", "t"} {
			if strings.HasSuffix(s, suf) {
				s = strings.TrimSuffix(s, suf) + string(suf[0]) + "ib"
				break
			}
		}
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}
