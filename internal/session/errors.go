package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/NodePath81/rmbt/internal/transport"
)

var (
	// ErrProtocol marks an unexpected or malformed server line. The session
	// cannot continue after it.
	ErrProtocol = errors.New("protocol violation")
	// ErrConnectionLost marks a read or write that failed or hit end of
	// stream where data was expected.
	ErrConnectionLost = errors.New("connection lost")
)

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// ioError classifies a transport error. Cancellation wins over the deadline
// error it causes.
func ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%s: %w: %w", op, ErrConnectionLost, err)
}

func isTimeout(err error) bool {
	return transport.IsTimeout(err)
}
