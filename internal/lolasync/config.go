package lolasync

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const cacheBaseName = "lola-cache"

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Backend struct {
		// Origin is the backend-as-a-service origin. Requests whose host
		// matches it get network-first treatment with dynamic caching.
		Origin string `yaml:"origin"`
		// ActionsPath is where drained queue entries are POSTed.
		ActionsPath string `yaml:"actionsPath"`
		// TokenPath points at the session token cached by the app. When
		// set, draining aborts while the file is missing or empty.
		TokenPath string `yaml:"tokenPath"`

		apiHost string
	} `yaml:"backend"`

	Cache struct {
		// Version tags the current cache generation. Bumping it makes
		// activation purge every partition from prior versions.
		Version  string `yaml:"version"`
		DiskPath string `yaml:"diskPath"`
		RAMMax   string `yaml:"ramMax"`

		ramMaxBytes int64
	} `yaml:"cache"`

	Shell struct {
		// Manifest lists the root-relative assets that make up the app
		// shell. Install is all-or-nothing across this list.
		Manifest    []string `yaml:"manifest"`
		OfflinePath string   `yaml:"offlinePath"`
		// RewarmEvery optionally re-fetches the shell on a timer.
		RewarmEvery string `yaml:"rewarmEvery"`

		rewarmDur time.Duration
	} `yaml:"shell"`

	Media struct {
		Extensions []string `yaml:"extensions"`

		extSet map[string]struct{}
	} `yaml:"media"`

	Sync struct {
		Tag string `yaml:"tag"`
	} `yaml:"sync"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// StaticCacheName is the current static-shell partition name.
func (c *Config) StaticCacheName() string {
	return cacheBaseName + "-static-" + c.Cache.Version
}

// DynamicCacheName is the current dynamic-response partition name.
func (c *Config) DynamicCacheName() string {
	return cacheBaseName + "-dynamic-" + c.Cache.Version
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) compile() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")

	if c.Backend.Origin == "" {
		return fmt.Errorf("backend.origin is required")
	}
	c.Backend.Origin = strings.TrimRight(c.Backend.Origin, "/")
	u, err := url.Parse(c.Backend.Origin)
	if err != nil || u.Host == "" {
		return fmt.Errorf("backend.origin: not a valid origin: %q", c.Backend.Origin)
	}
	c.Backend.apiHost = u.Host
	if c.Backend.ActionsPath == "" {
		c.Backend.ActionsPath = "/rest/v1/pet_actions"
	}

	if c.Cache.Version == "" {
		c.Cache.Version = "v1"
	}
	if c.Cache.DiskPath == "" {
		c.Cache.DiskPath = "./data/leveldb"
	}
	if c.Cache.RAMMax == "" {
		c.Cache.RAMMax = "64mb"
	}
	n, err := parseBytes(c.Cache.RAMMax)
	if err != nil {
		return fmt.Errorf("cache.ramMax: %w", err)
	}
	c.Cache.ramMaxBytes = n

	if len(c.Shell.Manifest) == 0 {
		c.Shell.Manifest = []string{"/", "/offline.html", "/manifest.json", "/icons/lola-192.png", "/icons/lola-512.png"}
	}
	if c.Shell.OfflinePath == "" {
		c.Shell.OfflinePath = "/offline.html"
	}
	for i, p := range c.Shell.Manifest {
		p = strings.TrimSpace(p)
		if p == "" || !strings.HasPrefix(p, "/") {
			return fmt.Errorf("shell.manifest[%d]: must be a root-relative path", i)
		}
		c.Shell.Manifest[i] = p
	}
	if !containsString(c.Shell.Manifest, c.Shell.OfflinePath) {
		return fmt.Errorf("shell.offlinePath %q must be listed in shell.manifest", c.Shell.OfflinePath)
	}
	if c.Shell.RewarmEvery != "" {
		d, err := time.ParseDuration(c.Shell.RewarmEvery)
		if err != nil {
			return fmt.Errorf("shell.rewarmEvery: %w", err)
		}
		c.Shell.rewarmDur = d
	}

	if len(c.Media.Extensions) == 0 {
		c.Media.Extensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".mp3", ".ogg", ".wav", ".mp4", ".webm"}
	}
	c.Media.extSet = make(map[string]struct{}, len(c.Media.Extensions))
	for _, ext := range c.Media.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Media.extSet[ext] = struct{}{}
	}

	if c.Sync.Tag == "" {
		c.Sync.Tag = "lola-sync"
	}

	if c.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(c.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		c.Logging.logStatsEveryDur = d
	}

	return nil
}

func containsString(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
