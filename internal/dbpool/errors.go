package dbpool

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrUnsupportedEngine  = errors.New("unsupported database engine")
	ErrInvalidConnection  = errors.New("invalid connection")
	ErrRegistryClosed     = errors.New("connection registry closed")
)

// CreateError reports why a pool could not be created. The registry never
// retries on its own.
type CreateError struct {
	ConnID string
	Reason string
	Err    error
}

func (e *CreateError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("create pool for connection %s: %s", e.ConnID, e.Reason)
	}
	return fmt.Sprintf("create pool for connection %s: %s: %v", e.ConnID, e.Reason, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }
