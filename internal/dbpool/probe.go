package dbpool

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// TestResult is the outcome of a connection test.
type TestResult struct {
	OK      bool          `json:"ok"`
	Message string        `json:"message"`
	Latency time.Duration `json:"latency"`
}

// TestConnection opens a single unpooled connection with p, runs a trivial
// query and closes it. Failures are part of the result, never an error.
func (r *Registry) TestConnection(ctx context.Context, p Params) TestResult {
	if err := p.Validate(); err != nil {
		return TestResult{Message: errorMessage(err)}
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.TestTimeout)
	defer cancel()

	start := time.Now()
	db, err := r.opts.Open(ctx, p, Limits{MinSize: 0, MaxSize: 1})
	if err != nil {
		return TestResult{Message: "connection failed: " + err.Error()}
	}
	defer db.Close()

	var one int
	err = db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return TestResult{Message: fmt.Sprintf("connection timed out after %s", r.opts.TestTimeout), Latency: latency}
		}
		return TestResult{Message: "connection failed: " + err.Error(), Latency: latency}
	}
	return TestResult{OK: true, Message: "connection successful", Latency: latency}
}

func errorMessage(err error) string {
	if errors.Is(err, ErrInvalidConnection) {
		return "missing required connection parameters"
	}
	return err.Error()
}
