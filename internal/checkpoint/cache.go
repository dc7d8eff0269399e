package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-monitor/internal/model"
)

// Stage records how far a run got.
type Stage string

const (
	StageStarted    Stage = "started"
	StageCollected  Stage = "collected"
	StageClassified Stage = "classified"
	StageEnriched   Stage = "enriched"
	StageComplete   Stage = "complete"
)

const (
	keyMetadata      = "metadata"
	keyCollected     = "collected"
	keyClassifiedIDs = "classified_ids"
	prefixClassified = "classified/"
)

// Metadata describes a checkpointed run.
type Metadata struct {
	RunName    string         `json:"run_name"`
	StartedAt  time.Time      `json:"started_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ConfigHash string         `json:"config_hash"`
	Stage      Stage          `json:"stage"`
	Counts     map[string]int `json:"counts,omitempty"`
}

// Resumable reports whether the run has reusable artifacts and is unfinished.
func (m *Metadata) Resumable() bool {
	switch m.Stage {
	case StageCollected, StageClassified, StageEnriched:
		return true
	}
	return false
}

// PipelineCache stores the typed artifacts of one run.
type PipelineCache struct {
	store Store
	run   string
	now   func() time.Time

	mu   sync.Mutex
	meta *Metadata

	indexMu sync.Mutex
	index   map[string]struct{}
}

// NewPipelineCache wraps the store of run.
func NewPipelineCache(store Store, run string) *PipelineCache {
	return &PipelineCache{store: store, run: run, now: time.Now}
}

// RunName returns the run this cache belongs to.
func (c *PipelineCache) RunName() string { return c.run }

// Close releases the underlying store.
func (c *PipelineCache) Close() error { return c.store.Close() }

// Begin writes fresh metadata for a new run.
func (c *PipelineCache) Begin(ctx context.Context, configHash string) error {
	now := c.now().UTC()
	c.mu.Lock()
	c.meta = &Metadata{
		RunName:    c.run,
		StartedAt:  now,
		UpdatedAt:  now,
		ConfigHash: configHash,
		Stage:      StageStarted,
		Counts:     map[string]int{},
	}
	c.mu.Unlock()
	return c.writeMetadata(ctx)
}

// Metadata loads the run metadata. The bool is false when none was written.
func (c *PipelineCache) Metadata(ctx context.Context) (*Metadata, bool, error) {
	data, ok, err := c.store.Get(ctx, keyMetadata)
	if err != nil || !ok {
		return nil, false, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, false, eris.Wrapf(ErrCorrupt, "run %s metadata: %v", c.run, err)
	}
	if meta.Counts == nil {
		meta.Counts = map[string]int{}
	}
	c.mu.Lock()
	c.meta = &meta
	c.mu.Unlock()
	return &meta, true, nil
}

// SetStage advances the recorded stage and merges counts.
func (c *PipelineCache) SetStage(ctx context.Context, stage Stage, counts map[string]int) error {
	c.mu.Lock()
	if c.meta == nil {
		c.meta = &Metadata{RunName: c.run, StartedAt: c.now().UTC(), Counts: map[string]int{}}
	}
	c.meta.Stage = stage
	c.meta.UpdatedAt = c.now().UTC()
	for k, v := range counts {
		c.meta.Counts[k] = v
	}
	c.mu.Unlock()
	return c.writeMetadata(ctx)
}

func (c *PipelineCache) writeMetadata(ctx context.Context) error {
	c.mu.Lock()
	data, err := json.Marshal(c.meta)
	c.mu.Unlock()
	if err != nil {
		return eris.Wrap(err, "checkpoint: encode metadata")
	}
	return c.store.Put(ctx, keyMetadata, data)
}

// SaveCollected stores the raw collection result.
func (c *PipelineCache) SaveCollected(ctx context.Context, items []model.Opportunity) error {
	if items == nil {
		items = []model.Opportunity{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return eris.Wrap(err, "checkpoint: encode collected")
	}
	return c.store.Put(ctx, keyCollected, data)
}

// LoadCollected returns the collection result. The bool is false when the
// run never finished collecting.
func (c *PipelineCache) LoadCollected(ctx context.Context) ([]model.Opportunity, bool, error) {
	data, ok, err := c.store.Get(ctx, keyCollected)
	if err != nil || !ok {
		return nil, false, err
	}
	var items []model.Opportunity
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, false, eris.Wrapf(ErrCorrupt, "run %s collected: %v", c.run, err)
	}
	return items, true, nil
}

// EntryKey maps a record key to its artifact key. Record keys are URLs, so
// they are hashed into a filesystem-safe name.
func EntryKey(recordKey string) string {
	sum := sha256.Sum256([]byte(recordKey))
	return prefixClassified + hex.EncodeToString(sum[:12])
}

type classifiedEntry struct {
	Key  string                      `json:"key"`
	Item model.ClassifiedOpportunity `json:"item"`
}

// SaveClassified stores one classified record as soon as it is produced and
// adds its key to the classified index.
func (c *PipelineCache) SaveClassified(ctx context.Context, item model.ClassifiedOpportunity) error {
	key := item.Key()
	data, err := json.Marshal(classifiedEntry{Key: key, Item: item})
	if err != nil {
		return eris.Wrap(err, "checkpoint: encode classified")
	}
	if err := c.store.Put(ctx, EntryKey(key), data); err != nil {
		return err
	}
	return c.addToIndex(ctx, key)
}

// Classified returns the classification stored for recordKey. The bool is
// false when there is none.
func (c *PipelineCache) Classified(ctx context.Context, recordKey string) (model.ClassifiedOpportunity, bool, error) {
	data, ok, err := c.store.Get(ctx, EntryKey(recordKey))
	if err != nil || !ok {
		return model.ClassifiedOpportunity{}, false, err
	}
	var entry classifiedEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Key != recordKey {
		return model.ClassifiedOpportunity{}, false, eris.Wrapf(ErrCorrupt, "run %s entry %s", c.run, EntryKey(recordKey))
	}
	return entry.Item, true, nil
}

// HasClassified reports whether an entry exists for recordKey without
// reading it.
func (c *PipelineCache) HasClassified(ctx context.Context, recordKey string) (bool, error) {
	return c.store.Contains(ctx, EntryKey(recordKey))
}

// ClassifiedCount returns the number of classified entries stored for the
// run.
func (c *PipelineCache) ClassifiedCount(ctx context.Context) (int, error) {
	keys, err := c.store.Keys(ctx, prefixClassified)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// ClassifiedIndex returns the keys of every record classified in the run.
func (c *PipelineCache) ClassifiedIndex(ctx context.Context) (map[string]struct{}, error) {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	if err := c.loadIndex(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(c.index))
	for k := range c.index {
		out[k] = struct{}{}
	}
	return out, nil
}

// loadIndex reads the stored index once. Callers hold indexMu.
func (c *PipelineCache) loadIndex(ctx context.Context) error {
	if c.index != nil {
		return nil
	}
	data, ok, err := c.store.Get(ctx, keyClassifiedIDs)
	if err != nil {
		return err
	}
	index := map[string]struct{}{}
	if ok {
		var keys []string
		if err := json.Unmarshal(data, &keys); err != nil {
			return eris.Wrapf(ErrCorrupt, "run %s classified index: %v", c.run, err)
		}
		for _, k := range keys {
			index[k] = struct{}{}
		}
	}
	c.index = index
	return nil
}

// addToIndex rewrites the index with key added. Writes are serialized so
// the stored index only ever grows.
func (c *PipelineCache) addToIndex(ctx context.Context, key string) error {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	if err := c.loadIndex(ctx); err != nil {
		return err
	}
	if _, ok := c.index[key]; ok {
		return nil
	}

	keys := make([]string, 0, len(c.index)+1)
	for k := range c.index {
		keys = append(keys, k)
	}
	keys = append(keys, key)
	sort.Strings(keys)
	data, err := json.Marshal(keys)
	if err != nil {
		return eris.Wrap(err, "checkpoint: encode classified index")
	}
	if err := c.store.Put(ctx, keyClassifiedIDs, data); err != nil {
		return err
	}
	c.index[key] = struct{}{}
	return nil
}

// staleAfter is the checkpoint age past which resuming logs a warning.
const staleAfter = 24 * time.Hour

// FindResumable returns the newest run that has collected artifacts and has
// not completed. Runs that never finished collecting are skipped; a newer
// completed run supersedes every older one. It returns ErrNotFound when
// there is nothing to resume.
func FindResumable(ctx context.Context, backend Backend) (*PipelineCache, *Metadata, error) {
	runs, err := backend.Runs(ctx)
	if err != nil {
		return nil, nil, err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		store, err := backend.Open(ctx, runs[i])
		if err != nil {
			return nil, nil, err
		}
		cache := NewPipelineCache(store, runs[i])
		meta, ok, err := cache.Metadata(ctx)
		if err != nil {
			store.Close() //nolint:errcheck
			return nil, nil, err
		}
		if ok && meta.Resumable() {
			logResume(meta, cache.now())
			return cache, meta, nil
		}
		store.Close() //nolint:errcheck
		if ok && meta.Stage == StageComplete {
			break
		}
	}
	return nil, nil, ErrNotFound
}

func logResume(meta *Metadata, now time.Time) {
	age := now.Sub(meta.UpdatedAt).Round(time.Second)
	fields := []zap.Field{
		zap.String("run", meta.RunName),
		zap.String("stage", string(meta.Stage)),
		zap.Duration("age", age),
	}
	if age > staleAfter {
		zap.L().Warn("checkpoint: resuming stale run", fields...)
		return
	}
	zap.L().Info("checkpoint: resuming run", fields...)
}

// OpenForRun picks the cache a run should use. With resume enabled it reuses
// the newest unfinished run; a config hash mismatch is logged, and with
// strict set it forces a fresh run instead. The bool reports whether the
// returned cache was resumed.
func OpenForRun(ctx context.Context, backend Backend, freshName, configHash string, resume, strict bool) (*PipelineCache, bool, error) {
	if resume {
		cache, meta, err := FindResumable(ctx, backend)
		switch {
		case err == nil:
			if meta.ConfigHash == configHash {
				return cache, true, nil
			}
			zap.L().Warn("checkpoint: config changed since run started",
				zap.String("run", meta.RunName),
				zap.String("checkpoint_hash", meta.ConfigHash),
				zap.String("current_hash", configHash),
				zap.Bool("strict", strict),
			)
			if !strict {
				return cache, true, nil
			}
			cache.Close() //nolint:errcheck
		case !eris.Is(err, ErrNotFound):
			return nil, false, err
		}
	}

	store, err := backend.Open(ctx, freshName)
	if err != nil {
		return nil, false, err
	}
	cache := NewPipelineCache(store, freshName)
	if err := cache.Begin(ctx, configHash); err != nil {
		store.Close() //nolint:errcheck
		return nil, false, err
	}
	return cache, false, nil
}
