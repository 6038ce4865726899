package elproxy

import "errors"

// Sentinel errors for the taxonomy a caller needs to distinguish. Wrap with
// fmt.Errorf("...: %w", ...) and compare with errors.Is.
var (
	// ErrBadConfig is returned from config validation: missing password,
	// an additional external bind address without a primary one, etc.
	ErrBadConfig = errors.New("elproxy: invalid configuration")

	// ErrInvalidFrame means a frame's header was malformed, its type was
	// unrecognized, or the auth handshake's newline was missing.
	ErrInvalidFrame = errors.New("elproxy: invalid frame")

	// ErrPermissionDenied means the password response didn't match or the
	// callsign was rejected by the configured filter.
	ErrPermissionDenied = errors.New("elproxy: permission denied")

	// ErrPeerClosed means the remote end of a connection went away
	// (connection reset, broken pipe, not connected, or an interrupted
	// syscall treated as terminal).
	ErrPeerClosed = errors.New("elproxy: peer closed connection")

	// ErrOutboundIO means a send to an outbound TCP or UDP socket failed.
	ErrOutboundIO = errors.New("elproxy: outbound i/o error")

	// ErrUDPReceive means a slot's UDP socket suffered a persistent
	// receive failure and the slot must be dropped.
	ErrUDPReceive = errors.New("elproxy: udp receive failure")

	// ErrNoSlot means every slot was busy at admission time.
	ErrNoSlot = errors.New("elproxy: no available slots")

	// ErrBusy is returned by slot.accept when the slot already has a
	// bound client, or reconnect-only admission didn't match.
	ErrBusy = errors.New("elproxy: slot busy")

	// ErrClosed means the operation can't proceed because the owning
	// object has already been closed/stopped.
	ErrClosed = errors.New("elproxy: closed")
)
