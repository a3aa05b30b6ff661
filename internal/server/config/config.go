// Package config handles the server's operator configuration: the
// startup file pointing at the active config file, and the flat
// key=value config format itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/magiconair/properties"
)

// Config holds runtime settings for the iplchat server.
type Config struct {
	SnapshotTimeout time.Duration // between automatic snapshots
	SnapshotPath    string
	SnapshotBacklog int

	DatabasePath           string
	DatabaseName           string
	DatabaseBufferedAccess bool
	DatabaseQueueSize      int
	DatabaseFlushTimeout   time.Duration // between queue flushes

	RandomRateLimit     bool
	RateLimit           time.Duration // base cooldown after a failed attempt
	RateLimitMultiplier float64

	LogfilePath string
	LogVerbose  bool
	Autosave    bool
}

// LoadDefaults populates Config with development defaults rooted under
// dataDir. Operators are expected to override the paths.
func (c *Config) LoadDefaults(dataDir string) {
	c.SnapshotTimeout = 12 * time.Hour
	c.SnapshotPath = filepath.Join(dataDir, "snapshots")
	c.SnapshotBacklog = 10
	c.DatabasePath = filepath.Join(dataDir, "db")
	c.DatabaseName = "iplchat.db"
	c.DatabaseBufferedAccess = true
	c.DatabaseQueueSize = 1000
	c.DatabaseFlushTimeout = 5 * time.Minute
	c.RandomRateLimit = false
	c.RateLimit = 3 * time.Second
	c.RateLimitMultiplier = 2
	c.LogfilePath = filepath.Join(dataDir, "iplchat.log")
	c.LogVerbose = false
	c.Autosave = true
}

// Load reads the flat key=value config file at path over the defaults
// already present in c. Unknown keys are ignored; malformed values are
// reported as errors so startup can fall back to interactive setup.
func Load(path string, c *Config) error {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var parseErr error
	getInt := func(key string, into *int) {
		if v, ok := p.Get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				parseErr = fmt.Errorf("config key %s: %w", key, err)
				return
			}
			*into = n
		}
	}
	getBool := func(key string, into *bool) {
		if v, ok := p.Get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				parseErr = fmt.Errorf("config key %s: %w", key, err)
				return
			}
			*into = b
		}
	}
	getString := func(key string, into *string) {
		if v, ok := p.Get(key); ok {
			*into = v
		}
	}
	getFloat := func(key string, into *float64) {
		if v, ok := p.Get(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				parseErr = fmt.Errorf("config key %s: %w", key, err)
				return
			}
			*into = f
		}
	}

	var snapshotHours, flushMinutes, rateSeconds int
	snapshotHours = int(c.SnapshotTimeout.Hours())
	flushMinutes = int(c.DatabaseFlushTimeout.Minutes())
	rateSeconds = int(c.RateLimit.Seconds())

	getInt("snapshotTimeout", &snapshotHours)
	getString("snapshotPath", &c.SnapshotPath)
	getInt("snapshotBacklog", &c.SnapshotBacklog)
	getString("databasePath", &c.DatabasePath)
	getString("databaseName", &c.DatabaseName)
	getBool("databaseBufferedAccess", &c.DatabaseBufferedAccess)
	getInt("databaseQueueSize", &c.DatabaseQueueSize)
	getInt("databaseFlushTimeout", &flushMinutes)
	getBool("randomRateLimit", &c.RandomRateLimit)
	getInt("rateLimit", &rateSeconds)
	getFloat("rateLimitMultiplier", &c.RateLimitMultiplier)
	getString("logfilePath", &c.LogfilePath)
	getBool("logVerbose", &c.LogVerbose)
	getBool("autosave", &c.Autosave)

	if parseErr != nil {
		return parseErr
	}

	c.SnapshotTimeout = time.Duration(snapshotHours) * time.Hour
	c.DatabaseFlushTimeout = time.Duration(flushMinutes) * time.Minute
	c.RateLimit = time.Duration(rateSeconds) * time.Second
	return nil
}

// Save writes c back to path in the flat key=value format.
func Save(path string, c *Config) error {
	p := properties.NewProperties()
	set := func(key, value string) {
		// Set only errors for circular expansion, which plain values
		// cannot produce.
		p.Set(key, value)
	}

	set("snapshotTimeout", strconv.Itoa(int(c.SnapshotTimeout.Hours())))
	set("snapshotPath", c.SnapshotPath)
	set("snapshotBacklog", strconv.Itoa(c.SnapshotBacklog))
	set("databasePath", c.DatabasePath)
	set("databaseName", c.DatabaseName)
	set("databaseBufferedAccess", strconv.FormatBool(c.DatabaseBufferedAccess))
	set("databaseQueueSize", strconv.Itoa(c.DatabaseQueueSize))
	set("databaseFlushTimeout", strconv.Itoa(int(c.DatabaseFlushTimeout.Minutes())))
	set("randomRateLimit", strconv.FormatBool(c.RandomRateLimit))
	set("rateLimit", strconv.Itoa(int(c.RateLimit.Seconds())))
	set("rateLimitMultiplier", strconv.FormatFloat(c.RateLimitMultiplier, 'f', -1, 64))
	set("logfilePath", c.LogfilePath)
	set("logVerbose", strconv.FormatBool(c.LogVerbose))
	set("autosave", strconv.FormatBool(c.Autosave))

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	defer f.Close()

	if _, err := p.Write(f, properties.UTF8); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}
