//go:build !unix

package capture

import (
	"os"
	"path/filepath"
)

// lockQueueFile only guards against goroutines of this process here; queue
// directories shared between processes need a unix host.
func lockQueueFile(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return func() {}, nil
}
