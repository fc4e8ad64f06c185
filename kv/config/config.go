package config

import (
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

type Config struct {
	StoreAddr  string `toml:"store-addr"`
	StatusAddr string `toml:"status-addr"`
	LogLevel   string `toml:"log-level"`

	// Number of LRU entries kept by the commit status cache.
	StatusCacheCapacity int `toml:"status-cache-capacity"`
	// Upper bound of a single commit status authority query.
	AuthorityTimeout Duration `toml:"authority-timeout"`

	// Version fetching. A follow-up fetch for a column asks for
	// previous*VersionsGrowthFactor+VersionsOverhead versions.
	VersionsOverhead     int `toml:"versions-overhead"`
	VersionsGrowthFactor int `toml:"versions-growth-factor"`
	MaxResolveRounds     int `toml:"max-resolve-rounds"`

	// Maximum number of partitions contacted at once during commit and rollback.
	CommitConcurrency int `toml:"commit-concurrency"`

	MaxSessions      int `toml:"max-sessions"`
	SessionQueueSize int `toml:"session-queue-size"`

	Engine Engine `toml:"engine"`

	// Region layout. When empty a single region, hosted at StoreAddr, covers every row.
	Regions []Region `toml:"regions"`
}

type Region struct {
	ID       uint64 `toml:"id"`
	StartKey string `toml:"start-key"`
	EndKey   string `toml:"end-key"`
	Host     string `toml:"host"`
}

type Engine struct {
	DBPath         string `toml:"db-path"`         // Directory to store the data in. Should exist and be writable.
	ValueThreshold int    `toml:"value-threshold"` // If value size >= this threshold, only store value offsets in tree.
	MaxTableSize   string `toml:"max-table-size"`  // Each table is at most this size, e.g. "64MB".
	VlogFileSize   string `toml:"vlog-file-size"`  // Value log file size, e.g. "256MB".
	NumCompactors  int    `toml:"num-compactors"`
	SyncWrite      bool   `toml:"sync-write"`
}

// MaxTableBytes parses MaxTableSize.
func (e *Engine) MaxTableBytes() (int64, error) {
	return units.RAMInBytes(e.MaxTableSize)
}

// VlogFileBytes parses VlogFileSize.
func (e *Engine) VlogFileBytes() (int64, error) {
	return units.RAMInBytes(e.VlogFileSize)
}

// Duration is a time.Duration which decodes from a TOML string such as "3s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}

func (c *Config) Validate() error {
	if c.VersionsGrowthFactor < 1 {
		return errors.Errorf("versions growth factor must be at least 1, got %d", c.VersionsGrowthFactor)
	}
	if c.VersionsOverhead < 1 {
		return errors.Errorf("versions overhead must be at least 1, got %d", c.VersionsOverhead)
	}
	if c.MaxResolveRounds <= 0 {
		return errors.New("max resolve rounds must be greater than 0")
	}
	if c.StatusCacheCapacity <= 0 {
		return errors.New("status cache capacity must be greater than 0")
	}
	if c.CommitConcurrency <= 0 {
		return errors.New("commit concurrency must be greater than 0")
	}
	if c.SessionQueueSize <= 0 {
		return errors.New("session queue size must be greater than 0")
	}
	if c.AuthorityTimeout.Duration <= 0 {
		log.Warnf("authority timeout is not set, authority queries are bounded only by the caller's context")
	}
	seen := make(map[uint64]struct{}, len(c.Regions))
	for _, r := range c.Regions {
		if _, ok := seen[r.ID]; ok {
			return errors.Errorf("duplicate region id %d", r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.EndKey != "" && r.StartKey >= r.EndKey {
			return errors.Errorf("region %d has an empty key range", r.ID)
		}
	}
	if _, err := c.Engine.MaxTableBytes(); err != nil {
		return errors.Annotate(err, "engine.max-table-size")
	}
	if _, err := c.Engine.VlogFileBytes(); err != nil {
		return errors.Annotate(err, "engine.vlog-file-size")
	}
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		StoreAddr:            "127.0.0.1:20160",
		StatusAddr:           "127.0.0.1:20180",
		LogLevel:             getLogLevel(),
		StatusCacheCapacity:  1 << 20,
		AuthorityTimeout:     Duration{3 * time.Second},
		VersionsOverhead:     3,
		VersionsGrowthFactor: 2,
		MaxResolveRounds:     32,
		CommitConcurrency:    16,
		MaxSessions:          1024,
		SessionQueueSize:     128,
		Engine: Engine{
			DBPath:         "/tmp/cellkv",
			ValueThreshold: 256,
			MaxTableSize:   "64MB",
			VlogFileSize:   "256MB",
			NumCompactors:  1,
			SyncWrite:      true,
		},
	}
}

func NewTestConfig() *Config {
	conf := NewDefaultConfig()
	conf.StatusCacheCapacity = 1024
	conf.AuthorityTimeout = Duration{time.Second}
	conf.CommitConcurrency = 4
	conf.MaxSessions = 16
	conf.SessionQueueSize = 8
	conf.Engine.MaxTableSize = "4MB"
	conf.Engine.VlogFileSize = "16MB"
	conf.Engine.SyncWrite = false
	return conf
}
