// Package config loads the daemon's JSON configuration file. Parsing
// itself is kept deliberately small: configuration parsing sits
// outside the hard core, but the ambient stack still needs somewhere
// to read persistence paths, the active storage backend, timeouts and
// the validation-context whitelist from.
package config

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ValidationContext is an allowed (SOPClassUID, TransferSyntaxUID) pair.
type ValidationContext struct {
	SOPClassUID       string `json:"sopClassUid"`
	TransferSyntaxUID string `json:"transferSyntaxUid"`
}

// Config is the slicebox daemon's full runtime configuration.
type Config struct {
	// PersistencePath is the buntdb file backing the box/transaction
	// tables (box/ package); the anonymization keys live in a second
	// file at PersistencePath + ".anon".
	PersistencePath string `json:"persistencePath"`

	// StorageBackend selects the active store.Backend: "local", "s3",
	// "azure", "gcs", or "hdfs". Exactly one backend is active per node.
	StorageBackend string `json:"storageBackend"`
	StorageRoot    string `json:"storageRoot"`

	// Minimum free bytes store/local requires before accepting a write.
	MinFreeBytes int64 `json:"minFreeBytes"`

	// HousekeeperStatusTickMS is how often the supervisor refreshes box
	// online status and demotes stalled transactions.
	HousekeeperStatusTickMS int64 `json:"housekeeperStatusTickMs"`
	// HousekeeperTempSweepMS is how often orphaned temp files are swept.
	HousekeeperTempSweepMS int64 `json:"housekeeperTempSweepMs"`

	// BoxOnlineTimeoutMS is the window within which a POLL box's last
	// poll must fall for it to be considered online. It is not applied
	// to PUSH boxes: their online flag is set by the outcome of each
	// push attempt and does not expire with this window.
	BoxOnlineTimeoutMS int64 `json:"boxOnlineTimeoutMs"`
	// ProcessingStallTimeoutMS demotes a PROCESSING transaction back to
	// WAITING once its `updated` timestamp is older than this.
	ProcessingStallTimeoutMS int64 `json:"processingStallTimeoutMs"`

	// HTTPClientTimeoutMS bounds the outgoing push client's requests.
	HTTPClientTimeoutMS int64 `json:"httpClientTimeoutMs"`

	// DefaultAnonymizationProfile names the profile applied when a box
	// does not pin one of its own.
	DefaultAnonymizationProfile string `json:"defaultAnonymizationProfile"`

	ValidationContexts []ValidationContext `json:"validationContexts"`
}

// Default returns reasonable defaults so tests and small deployments
// don't need a config file at all.
func Default() *Config {
	return &Config{
		PersistencePath:             "slicebox.db",
		StorageBackend:              "local",
		StorageRoot:                 "./storage",
		MinFreeBytes:                100 << 20, // 100MiB
		HousekeeperStatusTickMS:     5000,
		HousekeeperTempSweepMS:      60000,
		BoxOnlineTimeoutMS:          15000,
		ProcessingStallTimeoutMS:    30000,
		HTTPClientTimeoutMS:         30000,
		DefaultAnonymizationProfile: "basic",
		ValidationContexts: []ValidationContext{
			{SOPClassUID: "*", TransferSyntaxUID: "1.2.840.10008.1.2"},
			{SOPClassUID: "*", TransferSyntaxUID: "1.2.840.10008.1.2.1"},
			{SOPClassUID: "*", TransferSyntaxUID: "1.2.840.10008.1.2.1.99"}, // deflated
		},
	}
}

// Load reads and decodes a JSON config file over Default(), so fields
// absent from the file keep their default values; an absent file
// simply returns Default() unchanged.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, errors.Wrap(err, "read config")
	}
	cfg := Default()
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

func (c *Config) StatusTick() time.Duration {
	return time.Duration(c.HousekeeperStatusTickMS) * time.Millisecond
}
func (c *Config) TempSweepTick() time.Duration {
	return time.Duration(c.HousekeeperTempSweepMS) * time.Millisecond
}
func (c *Config) BoxOnlineTimeout() time.Duration {
	return time.Duration(c.BoxOnlineTimeoutMS) * time.Millisecond
}
func (c *Config) ProcessingStallTimeout() time.Duration {
	return time.Duration(c.ProcessingStallTimeoutMS) * time.Millisecond
}
func (c *Config) HTTPClientTimeout() time.Duration {
	return time.Duration(c.HTTPClientTimeoutMS) * time.Millisecond
}
