package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrTimeout marks a backend call that exceeded its deadline, for either the
// passthrough or the upgrade budget. It is distinct from ErrUnreachable so
// handlers can report a more specific message.
var ErrTimeout = errors.New("backend timed out")

// ErrUnreachable marks any connection-level backend failure other than a
// deadline expiry.
var ErrUnreachable = errors.New("backend unreachable")

// UpgradeRejectedError reports a backend that answered an upgrade dial with
// anything other than a switching-protocols response carrying a stream.
type UpgradeRejectedError struct {
	StatusCode int
}

func (e *UpgradeRejectedError) Error() string {
	return fmt.Sprintf("backend rejected upgrade with status %d", e.StatusCode)
}

// classifyDialError folds transport-level failures into the taxonomy:
// deadline expiry becomes ErrTimeout, everything else ErrUnreachable. The
// original cause stays in the message for diagnostics.
func classifyDialError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
