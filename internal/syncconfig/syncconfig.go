// Package syncconfig provides the persistent registry of configured syncs.
// Configs are plain value records; nothing in them refers back into the
// engine.
package syncconfig

import (
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/pearsync/pearsync/internal/cloud"
	"github.com/pearsync/pearsync/internal/logging"
	"github.com/pearsync/pearsync/internal/statecache"
)

// State is the user-visible run state of a sync. Canceled, Failed and
// Disabled are terminal.
type State int

const (
	StatePending State = iota
	StateActive
	StateSuspended
	StateCanceled
	StateFailed
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateCanceled:
		return "canceled"
	case StateFailed:
		return "failed"
	default:
		return "disabled"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCanceled || s == StateFailed || s == StateDisabled
}

// Config is one sync's persistent record.
type Config struct {
	Tag           int          `json:"tag"`
	LocalPath     string       `json:"local_path"`
	CloudRoot     cloud.Handle `json:"cloud_root"`
	FsFingerprint uint64       `json:"fs_fingerprint"`
	State         State        `json:"state"`
}

// Bag holds all configured syncs, keyed by tag, backed by one table in the
// state database.
type Bag struct {
	table   *statecache.Table
	configs map[int]Config
	dbids   map[int]uint32
}

// NewBag opens the config table named by id and loads its contents.
func NewBag(db *statecache.DB, cipher *statecache.Cipher, id string) (*Bag, error) {
	table, err := db.Table("syncconfigs_"+id, cipher)
	if err != nil {
		return nil, err
	}
	b := &Bag{table: table, configs: make(map[int]Config), dbids: make(map[int]uint32)}

	if err := table.Rewind(); err != nil {
		return nil, err
	}
	for {
		rowID, plain, ok, err := table.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		var cfg Config
		if err := json.Unmarshal(plain, &cfg); err != nil {
			logging.Error("unable to unserialize sync config", zap.Uint32("id", rowID), zap.Error(err))
			continue
		}
		b.configs[cfg.Tag] = cfg
		b.dbids[cfg.Tag] = rowID
	}
	return b, nil
}

// Insert adds a config or updates the one already stored under its tag.
func (b *Bag) Insert(cfg Config) error {
	rowID, exists := b.dbids[cfg.Tag]
	if !exists {
		rowID = b.table.NextID()
	}
	plain, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("serialize sync config %d: %w", cfg.Tag, err)
	}
	if err := b.table.Put(rowID, plain); err != nil {
		return err
	}
	b.configs[cfg.Tag] = cfg
	b.dbids[cfg.Tag] = rowID
	return nil
}

// RemoveByTag drops a config. Returns false when the tag is unknown.
func (b *Bag) RemoveByTag(tag int) bool {
	rowID, ok := b.dbids[tag]
	if !ok {
		return false
	}
	if err := b.table.Del(rowID); err != nil {
		logging.Error("unable to remove sync config", zap.Int("tag", tag), zap.Error(err))
		return false
	}
	delete(b.configs, tag)
	delete(b.dbids, tag)
	return true
}

// ByTag looks a config up by its tag.
func (b *Bag) ByTag(tag int) (Config, bool) {
	cfg, ok := b.configs[tag]
	return cfg, ok
}

// ByCloudHandle looks a config up by its cloud root handle.
func (b *Bag) ByCloudHandle(h cloud.Handle) (Config, bool) {
	for _, cfg := range b.configs {
		if cfg.CloudRoot == h {
			return cfg, true
		}
	}
	return Config{}, false
}

// All returns every config, ordered by tag.
func (b *Bag) All() []Config {
	out := make([]Config, 0, len(b.configs))
	for _, cfg := range b.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Clear removes every config.
func (b *Bag) Clear() {
	if err := b.table.Truncate(); err != nil {
		logging.Error("unable to clear sync configs", zap.Error(err))
		return
	}
	b.configs = make(map[int]Config)
	b.dbids = make(map[int]uint32)
}
