package highlights

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultBackupInterval = 5 * time.Minute

type ReconcilerOptions struct {
	Store    *Store
	Mirror   Mirror
	Notion   *NotionSync
	Logger   zerolog.Logger
	Interval time.Duration
	Now      func() time.Time
}

type BackupStatus struct {
	LastBackup    time.Time `json:"lastBackup"`
	LastError     string    `json:"lastError,omitempty"`
	LastCount     int       `json:"lastCount"`
	NotionEnabled bool      `json:"notionEnabled"`
	Capacity      int64     `json:"capacityBytes"`
}

// Reconciler copies the primary collection to the mirror and, when
// configured, the notes database. It also seeds an empty store from the
// mirror on first run.
type Reconciler struct {
	store    *Store
	mirror   Mirror
	notion   *NotionSync
	log      zerolog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	status BackupStatus
}

func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if opts.Mirror == nil && opts.Notion == nil {
		return nil, fmt.Errorf("%w: a mirror or a notes database is required", ErrInvalidInput)
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultBackupInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		store:    opts.Store,
		mirror:   opts.Mirror,
		notion:   opts.Notion,
		log:      opts.Logger.With().Str("component", "reconciler").Logger(),
		interval: interval,
		now:      now,
		status: BackupStatus{
			NotionEnabled: opts.Notion != nil,
			Capacity:      mirrorCapacity(opts.Mirror),
		},
	}, nil
}

func (r *Reconciler) Status() BackupStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Backup writes the committed collection to the mirror as one snapshot.
// A snapshot larger than the mirror capacity is refused before anything is
// written. Without a mirror it does nothing.
func (r *Reconciler) Backup(ctx context.Context) error {
	if r.mirror == nil {
		return nil
	}
	collection, err := r.store.Highlights(ctx)
	if err != nil {
		r.recordFailure(err)
		return err
	}
	payload, err := encodeSnapshot(collection)
	if err != nil {
		r.recordFailure(err)
		return &SyncError{Op: "backup encode", Err: err}
	}
	if capacity := r.mirror.Capacity(); capacity > 0 && int64(len(payload)) > capacity {
		err := fmt.Errorf("%w: backup is %d bytes, mirror holds %d", ErrCapacityExceeded, len(payload), capacity)
		r.log.Warn().Int("highlights", len(collection)).Int("bytes", len(payload)).Int64("capacity", capacity).Msg("backup skipped: snapshot exceeds mirror capacity")
		backupRunsTotal.WithLabelValues("capacity").Inc()
		r.recordFailure(err)
		return err
	}

	backupTime := r.now()
	if err := r.mirror.Put(ctx, Snapshot{Highlights: collection, BackupTime: backupTime}); err != nil {
		r.log.Error().Err(err).Int("highlights", len(collection)).Msg("backup to mirror failed")
		backupRunsTotal.WithLabelValues("error").Inc()
		r.recordFailure(err)
		return err
	}
	backupRunsTotal.WithLabelValues("ok").Inc()
	r.mu.Lock()
	r.status.LastBackup = backupTime
	r.status.LastCount = len(collection)
	r.status.LastError = ""
	r.mu.Unlock()
	r.store.Bus().Publish(Event{Kind: EventBackupUpdated, Timestamp: backupTime.UnixMilli(), Count: len(collection)})
	r.log.Debug().Int("highlights", len(collection)).Int("bytes", len(payload)).Msg("backup written")
	return nil
}

// RestoreIfEmpty seeds an empty store from the mirror snapshot. With no
// snapshot it initializes an empty collection. A non-empty store is left
// alone.
func (r *Reconciler) RestoreIfEmpty(ctx context.Context) error {
	current, err := r.store.Highlights(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("bootstrap: primary store unreadable")
		return err
	}
	if err := r.store.EnsureColorLabels(ctx); err != nil {
		r.log.Warn().Err(err).Msg("bootstrap: could not write default color labels")
	}
	if len(current) > 0 || r.mirror == nil {
		return nil
	}

	snapshot, ok, err := r.mirror.Get(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("bootstrap: mirror read failed, starting empty")
		return err
	}
	seed := []Highlight{}
	if ok {
		seed = snapshot.Highlights
	}
	replaced, err := r.store.ReplaceIfEmpty(ctx, seed)
	if err != nil {
		r.log.Error().Err(err).Int("highlights", len(seed)).Msg("bootstrap: restore write failed")
		return err
	}
	if replaced && len(seed) > 0 {
		r.log.Info().Int("highlights", len(seed)).Time("backup_time", snapshot.BackupTime).Msg("restored highlights from mirror")
	}
	return nil
}

// BackupNow runs the mirror backup and then the notes database push. It
// succeeds only when every configured target succeeds.
func (r *Reconciler) BackupNow(ctx context.Context) error {
	if err := r.Backup(ctx); err != nil {
		return err
	}
	return r.pushNotion(ctx)
}

// Run pushes to the notes database once, then backs up and pushes every
// interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.pushNotion(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn().Err(err).Msg("initial notes database sync failed")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Backup(ctx); err != nil {
				r.log.Warn().Err(err).Msg("periodic backup failed")
			}
			if err := r.pushNotion(ctx); err != nil {
				r.log.Warn().Err(err).Msg("periodic notes database sync failed")
			}
		}
	}
}

func (r *Reconciler) pushNotion(ctx context.Context) error {
	if r.notion == nil {
		return nil
	}
	collection, err := r.store.Highlights(ctx)
	if err != nil {
		return err
	}
	result, err := r.notion.Sync(ctx, collection)
	if err != nil {
		r.recordFailure(err)
		return err
	}
	r.log.Debug().Int("created", result.Created).Int("updated", result.Updated).Int("skipped", result.Skipped).Msg("notes database sync complete")
	return nil
}

func (r *Reconciler) recordFailure(err error) {
	r.mu.Lock()
	r.status.LastError = err.Error()
	r.mu.Unlock()
}

func mirrorCapacity(m Mirror) int64 {
	if m == nil {
		return 0
	}
	return m.Capacity()
}
