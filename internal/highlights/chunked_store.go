package highlights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	ChunkSize      = 100
	MaxChunks      = 100
	MaxHighlights  = ChunkSize * MaxChunks
	ChunkKeyPrefix = "highlights_chunk_"
	ManifestKey    = "highlights_metadata"
	ColorLabelsKey = "colorLabels"
)

// Manifest is written after every chunk so readers never probe for chunks
// beyond Chunks.
type Manifest struct {
	TotalHighlights int   `json:"totalHighlights"`
	Chunks          int   `json:"chunks"`
	LastUpdated     int64 `json:"lastUpdated"`
}

func ChunkKey(index int) string {
	return ChunkKeyPrefix + strconv.Itoa(index)
}

type ChunkedStore struct {
	backend KVBackend
	log     zerolog.Logger
	now     func() time.Time
}

func NewChunkedStore(backend KVBackend, logger zerolog.Logger) *ChunkedStore {
	return &ChunkedStore{
		backend: backend,
		log:     logger.With().Str("component", "chunked_store").Logger(),
		now:     time.Now,
	}
}

func (c *ChunkedStore) Backend() KVBackend {
	return c.backend
}

func (c *ChunkedStore) SaveAll(ctx context.Context, highlights []Highlight) error {
	started := time.Now()
	defer func() {
		saveAllDuration.Observe(time.Since(started).Seconds())
	}()

	if len(highlights) > MaxHighlights {
		return &WriteError{
			Key: ManifestKey,
			Err: fmt.Errorf("%w: %d highlights exceeds %d", ErrCapacityExceeded, len(highlights), MaxHighlights),
		}
	}
	limit := c.backend.MaxValueBytes()
	chunks := splitChunks(highlights)
	sets := make(map[string][]byte, len(chunks)+1)
	order := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		key := ChunkKey(i)
		data, err := json.Marshal(chunk)
		if err != nil {
			return &WriteError{Key: key, Err: err}
		}
		if limit > 0 && len(data) > limit {
			return &WriteError{Key: key, Err: fmt.Errorf("%w: chunk is %d bytes, limit %d", ErrCapacityExceeded, len(data), limit)}
		}
		sets[key] = data
		order = append(order, key)
	}
	manifest, err := json.Marshal(Manifest{
		TotalHighlights: len(highlights),
		Chunks:          len(chunks),
		LastUpdated:     c.now().UnixMilli(),
	})
	if err != nil {
		return &WriteError{Key: ManifestKey, Err: err}
	}

	existing, err := c.backend.Keys(ctx, ChunkKeyPrefix)
	if err != nil {
		return &WriteError{Key: ChunkKeyPrefix, Err: err}
	}
	stale := staleChunkKeys(existing, len(chunks))

	if batcher, ok := c.backend.(BatchWriter); ok {
		sets[ManifestKey] = manifest
		if err := batcher.WriteBatch(ctx, sets, stale); err != nil {
			return asWriteError(ManifestKey, err)
		}
		return nil
	}

	for _, key := range order {
		if err := c.backend.Set(ctx, key, sets[key]); err != nil {
			return asWriteError(key, err)
		}
	}
	if err := c.backend.Set(ctx, ManifestKey, manifest); err != nil {
		return asWriteError(ManifestKey, err)
	}
	if len(stale) > 0 {
		if err := c.backend.Remove(ctx, stale...); err != nil {
			// Slots past the manifest's chunk count are never read.
			c.log.Warn().Err(err).Int("stale", len(stale)).Msg("failed to remove stale chunk slots")
		}
	}
	return nil
}

func (c *ChunkedStore) LoadAll(ctx context.Context) ([]Highlight, error) {
	manifest, ok, err := c.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Highlight{}, nil
	}
	out := make([]Highlight, 0, manifest.TotalHighlights)
	for i := 0; i < manifest.Chunks; i++ {
		key := ChunkKey(i)
		data, found, err := c.backend.Get(ctx, key)
		if err != nil {
			return nil, unavailable("load "+key, err)
		}
		if !found {
			c.log.Warn().Str("key", key).Int("chunks", manifest.Chunks).Msg("chunk listed in manifest is missing, skipping")
			continue
		}
		var chunk []Highlight
		if err := json.Unmarshal(data, &chunk); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("chunk is not decodable, skipping")
			continue
		}
		out = append(out, chunk...)
	}
	if len(out) != manifest.TotalHighlights {
		chunkMismatchTotal.Inc()
		c.log.Warn().
			Int("loaded", len(out)).
			Int("manifest_total", manifest.TotalHighlights).
			Msg("loaded highlight count does not match manifest")
	}
	return out, nil
}

func (c *ChunkedStore) Manifest(ctx context.Context) (Manifest, bool, error) {
	data, ok, err := c.backend.Get(ctx, ManifestKey)
	if err != nil {
		return Manifest{}, false, unavailable("load manifest", err)
	}
	if !ok {
		return Manifest{}, false, nil
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, false, unavailable("decode manifest", err)
	}
	if manifest.Chunks < 0 {
		manifest.Chunks = 0
	}
	if manifest.Chunks > MaxChunks {
		c.log.Warn().Int("chunks", manifest.Chunks).Msg("manifest chunk count above limit, clamping")
		manifest.Chunks = MaxChunks
	}
	return manifest, true, nil
}

func splitChunks(highlights []Highlight) [][]Highlight {
	chunks := make([][]Highlight, 0, (len(highlights)+ChunkSize-1)/ChunkSize)
	for start := 0; start < len(highlights); start += ChunkSize {
		end := start + ChunkSize
		if end > len(highlights) {
			end = len(highlights)
		}
		chunks = append(chunks, highlights[start:end])
	}
	return chunks
}

func staleChunkKeys(existing []string, keep int) []string {
	stale := []string{}
	for _, key := range existing {
		index, err := strconv.Atoi(strings.TrimPrefix(key, ChunkKeyPrefix))
		if err != nil || index < 0 || index >= keep {
			stale = append(stale, key)
		}
	}
	return stale
}

func asWriteError(key string, err error) error {
	var writeErr *WriteError
	if errors.As(err, &writeErr) {
		return err
	}
	return &WriteError{Key: key, Err: err}
}
