package capture

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// queueWatcher reports hostnames whose queue file changed on disk, which is
// how captures from another process reach this session.
type queueWatcher struct {
	watcher *fsnotify.Watcher
	log     zerolog.Logger
}

func newQueueWatcher(dir string, logger zerolog.Logger) (*queueWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &queueWatcher{watcher: w, log: logger}, nil
}

// Hosts streams changed hostnames until ctx ends or the watcher closes.
func (q *queueWatcher) Hosts(ctx context.Context) <-chan string {
	out := make(chan string, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-q.watcher.Events:
				if !ok {
					return
				}
				if !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Write) {
					continue
				}
				host, ok := hostFromQueueFile(filepath.Base(evt.Name))
				if !ok {
					continue
				}
				select {
				case out <- host:
				case <-ctx.Done():
					return
				}
			case err, ok := <-q.watcher.Errors:
				if !ok {
					return
				}
				q.log.Warn().Err(err).Msg("queue directory watch error")
			}
		}
	}()
	return out
}

func (q *queueWatcher) Close() error {
	return q.watcher.Close()
}
