// Package lconfig centralizes the tunables the storage engine is built
// around in one small config struct instead of scattering constants.
package lconfig

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config holds every tunable the engine reads at table-open time.
type Config struct {
	// PageSize is the target serialized size, in bytes, of one page. It is
	// informational for the codec (pages are not padded to this size) but
	// governs how callers size their on-disk expectations.
	PageSize int `json:"page_size"`

	// PageRecordSize is the number of record slots per page.
	PageRecordSize int `json:"page_record_size"`

	// PageRangeSize is the number of base pages grouped under one page range.
	PageRangeSize int `json:"page_range_size"`

	// MergeThresh is the unmerged-update count, per page range, that
	// triggers a background merge.
	MergeThresh int `json:"merge_thresh"`

	// PoolSize is the number of frames held by one table's buffer pool.
	PoolSize int `json:"pool_size"`
}

// DefaultConfig returns the constants named in the engine's external
// interface: 4096-byte pages, 512 records per page, 16 base pages per
// page range, a merge threshold of 512*16*4, and a 1024-frame pool.
func DefaultConfig() Config {
	return Config{
		PageSize:       4096,
		PageRecordSize: 512,
		PageRangeSize:  16,
		MergeThresh:    512 * 16 * 4,
		PoolSize:       1024,
	}
}

// LoadFile reads a JSON configuration file, starting from DefaultConfig
// so a partial file only overrides the fields it names.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "lconfig: reading %s", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "lconfig: parsing %s", path)
	}
	return cfg, nil
}

// Validate rejects a configuration with nonsensical tunables.
func (c Config) Validate() error {
	if c.PageRecordSize <= 0 {
		return errors.New("lconfig: page_record_size must be positive")
	}
	if c.PageRangeSize <= 0 {
		return errors.New("lconfig: page_range_size must be positive")
	}
	if c.PoolSize <= 0 {
		return errors.New("lconfig: pool_size must be positive")
	}
	if c.MergeThresh <= 0 {
		return errors.New("lconfig: merge_thresh must be positive")
	}
	return nil
}
