package persistence

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/lib/pq"

	"MarketMirror/internal/core"
)

// classifyErr wraps infrastructure failures in core.TransientError so the
// reconciler retries them, and passes everything else through untouched.
// Constraint violations are never transient: the apply transaction either
// committed or rolled back, so retrying a real conflict cannot help.
func classifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return &core.TransientError{Op: op, Err: err}
	}
	return err
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08": // connection exception
			return true
		case "40": // transaction rollback (serialization failure, deadlock)
			return true
		case "53": // insufficient resources
			return true
		case "57": // operator intervention (shutdown, failover)
			return true
		}
	}

	return false
}
