package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the tinycache node configuration.
type Config struct {
	Log         log.Config        `toml:"log" json:"log"`
	Lock        LockConfig        `toml:"lock" json:"lock"`
	Replication ReplicationConfig `toml:"replication" json:"replication"`
	Persist     PersistConfig     `toml:"persist" json:"persist"`
	Status      StatusConfig      `toml:"status" json:"status"`

	// WarningMsgs are the messages to be logged once the logger is set up.
	WarningMsgs []string `toml:"-" json:"-"`

	logger   *zap.Logger
	logProps *log.ZapProperties
}

type LockConfig struct {
	// How long a txn waits for a map lock held by another txn.
	WaitTimeout Duration `toml:"wait-timeout" json:"wait-timeout"`
	// Wait-for edges older than this are ignored by deadlock detection. Must be
	// longer than WaitTimeout.
	DetectorEntryTTL       Duration `toml:"detector-entry-ttl" json:"detector-entry-ttl"`
	DetectorUrgentSize     uint64   `toml:"detector-urgent-size" json:"detector-urgent-size"`
	DetectorExpireInterval Duration `toml:"detector-expire-interval" json:"detector-expire-interval"`
}

type ReplicationConfig struct {
	Replicas int `toml:"replicas" json:"replicas"`
	// Async delivers deltas from a worker goroutine; commit waits for delivery
	// either way.
	Async     bool `toml:"async" json:"async"`
	QueueSize int  `toml:"queue-size" json:"queue-size"`
}

const (
	CompressionNone = "none"
	CompressionLz4  = "lz4"
)

type PersistConfig struct {
	Enabled     bool   `toml:"enabled" json:"enabled"`
	Path        string `toml:"path" json:"path"`
	Compression string `toml:"compression" json:"compression"`
	SyncWrites  bool   `toml:"sync-writes" json:"sync-writes"`
}

type StatusConfig struct {
	Addr string `toml:"addr" json:"addr"`
}

const (
	defaultLogLevel               = "info"
	defaultWaitTimeout            = time.Second
	defaultDetectorEntryTTL       = 3 * time.Second
	defaultDetectorUrgentSize     = 100000
	defaultDetectorExpireInterval = time.Hour
	defaultReplicas               = 1
	defaultQueueSize              = 128
	defaultPersistPath            = "/tmp/tinycache"
	defaultStatusAddr             = "127.0.0.1:20180"
)

func getLogLevel() (logLevel string) {
	logLevel = defaultLogLevel
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	c := &Config{}
	c.Log.Level = getLogLevel()
	c.Persist.Compression = CompressionNone
	if err := c.Adjust(nil); err != nil {
		panic(err)
	}
	return c
}

// NewTestConfig returns a config with short timeouts and no persistence.
func NewTestConfig() *Config {
	c := NewDefaultConfig()
	c.Log.Level = "warn"
	c.Lock.WaitTimeout.Duration = 200 * time.Millisecond
	c.Lock.DetectorEntryTTL.Duration = time.Second
	c.Lock.DetectorExpireInterval.Duration = time.Second
	c.Status.Addr = "127.0.0.1:0"
	return c
}

// LoadFile decodes the toml file at path over the defaults and adjusts the
// result.
func LoadFile(path string) (*Config, error) {
	c := &Config{}
	c.Log.Level = getLogLevel()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = c.Adjust(&meta); err != nil {
		return nil, err
	}
	return c, nil
}

// Adjust fills unset fields with defaults and validates the result. Keys in
// meta that match no field are kept as warnings.
func (c *Config) Adjust(meta *toml.MetaData) error {
	if meta != nil {
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			errInfo := "Config contains undefined item: "
			for i, key := range undecoded {
				if i > 0 {
					errInfo += ", "
				}
				errInfo += key.String()
			}
			c.WarningMsgs = append(c.WarningMsgs, errInfo)
		}
	}

	adjustString(&c.Log.Level, defaultLogLevel)
	adjustDuration(&c.Lock.WaitTimeout, defaultWaitTimeout)
	adjustDuration(&c.Lock.DetectorEntryTTL, defaultDetectorEntryTTL)
	adjustUint64(&c.Lock.DetectorUrgentSize, defaultDetectorUrgentSize)
	adjustDuration(&c.Lock.DetectorExpireInterval, defaultDetectorExpireInterval)
	// Zero replicas is a valid setting, so only default it when absent.
	if meta == nil || !meta.IsDefined("replication", "replicas") {
		adjustInt(&c.Replication.Replicas, defaultReplicas)
	}
	adjustInt(&c.Replication.QueueSize, defaultQueueSize)
	adjustString(&c.Persist.Path, defaultPersistPath)
	adjustString(&c.Persist.Compression, CompressionNone)
	adjustString(&c.Status.Addr, defaultStatusAddr)

	return c.Validate()
}

func (c *Config) Validate() error {
	if c.Lock.DetectorEntryTTL.Duration <= c.Lock.WaitTimeout.Duration {
		return errors.Errorf("detector-entry-ttl %v must be greater than wait-timeout %v",
			c.Lock.DetectorEntryTTL.Duration, c.Lock.WaitTimeout.Duration)
	}
	if c.Replication.Replicas < 0 {
		return errors.Errorf("replicas must not be negative, got %d", c.Replication.Replicas)
	}
	switch c.Persist.Compression {
	case CompressionNone, CompressionLz4:
	default:
		return errors.Errorf("unknown compression %q", c.Persist.Compression)
	}
	return nil
}

// SetupLogger initializes the zap logger from the log section and installs it
// as the global logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.Trace(err)
	}
	c.logger = lg
	c.logProps = p
	log.ReplaceGlobals(lg, p)
	for _, msg := range c.WarningMsgs {
		log.Warn(msg)
	}
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{lock=%+v replication=%+v persist=%+v status=%+v}",
		c.Lock, c.Replication, c.Persist, c.Status)
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustUint64(v *uint64, defValue uint64) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}
