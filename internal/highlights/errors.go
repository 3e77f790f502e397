package highlights

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrWriteFailed      = errors.New("write failed")
	ErrSyncError        = errors.New("sync error")
	ErrMalformedRecord  = errors.New("malformed record")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrNotImplemented   = errors.New("not implemented")
	ErrClosed           = errors.New("store closed")
)

// WriteError reports a substrate write that was rejected. Key names the slot
// that failed, or the manifest key when the whole batch was refused.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("write failed: key=%s", e.Key)
	}
	return fmt.Sprintf("write failed: key=%s: %v", e.Key, e.Err)
}

func (e *WriteError) Is(target error) bool {
	return target == ErrWriteFailed
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// SyncError is returned by every remote call (mirror or notes database).
type SyncError struct {
	Op      string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *SyncError) Error() string {
	var b strings.Builder
	b.WriteString("sync failed: op=")
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Code != "" {
		b.WriteString(" code=")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(" message=")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SyncError) Is(target error) bool {
	return target == ErrSyncError
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
