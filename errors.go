package msgr

import "errors"

// Error kinds reported to callers. These are sentinel values rather than
// an exception hierarchy: callers wrap them with fmt.Errorf("...: %w", ErrX)
// and test with errors.Is.
var (
	ErrSocket            = errors.New("msgr: socket error")
	ErrBadMagic          = errors.New("msgr: bad banner magic")
	ErrBadProtocolVer    = errors.New("msgr: protocol version mismatch")
	ErrFeatureMismatch   = errors.New("msgr: required feature not supported by peer")
	ErrAuthRejected      = errors.New("msgr: authorizer rejected")
	ErrCrcMismatch       = errors.New("msgr: crc mismatch")
	ErrDecode            = errors.New("msgr: decode error")
	ErrAbortedMessage    = errors.New("msgr: aborted message")
	ErrPeerReset         = errors.New("msgr: peer reset session")
	ErrLocalClosed       = errors.New("msgr: locally closed")
	ErrTimeout           = errors.New("msgr: timeout")
	ErrShutdownRequested = errors.New("msgr: shutdown requested")

	ErrNotStarted      = errors.New("msgr: messenger not started")
	ErrAlreadyStarted  = errors.New("msgr: messenger already started")
	ErrNoFreePort      = errors.New("msgr: no free port in configured range")
	ErrUnknownPeerType = errors.New("msgr: no policy for peer type")
)

// isErr is a small errors.Is wrapper, used where a switch over several
// sentinel kinds reads better than chained errors.Is calls.
func isErr(err, target error) bool {
	return errors.Is(err, target)
}
