package elproxy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Message types, per the wire protocol's 9-byte header + payload framing.
const (
	msgTCPOpen    = 1
	msgTCPData    = 2
	msgTCPClose   = 3
	msgTCPStatus  = 4
	msgUDPData    = 5
	msgUDPControl = 6
	msgSystem     = 7
)

const (
	// headerSize is the packed, little-endian {type u8, address u32, size u32} header.
	headerSize = 9

	// maxFrameBytes bounds a single buffered read/write chunk, header included.
	maxFrameBytes = 4096

	// maxChunk is the largest payload the framer will buffer in one pass;
	// larger frame payloads are streamed in successive chunks of this size.
	maxChunk = maxFrameBytes - headerSize
)

const (
	systemBadPassword = 1
	systemAccessDenied = 2
)

// header is a decoded frame header.
type header struct {
	Type    byte
	Address uint32
	Size    uint32
}

func (h header) valid() bool {
	return h.Type >= msgTCPOpen && h.Type <= msgSystem
}

// encodeHeader writes the packed wire representation of a {typ, address,
// size} header into buf, which must be at least headerSize bytes.
func encodeHeader(buf []byte, typ byte, address, size uint32) {
	buf[0] = typ
	binary.LittleEndian.PutUint32(buf[1:5], address)
	binary.LittleEndian.PutUint32(buf[5:9], size)
}

// readHeader reads and parses exactly headerSize bytes from r.
func readHeader(r io.Reader) (header, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return header{}, wrapReadErr(err)
	}
	h := header{
		Type:    buf[0],
		Address: binary.LittleEndian.Uint32(buf[1:5]),
		Size:    binary.LittleEndian.Uint32(buf[5:9]),
	}
	if !h.valid() {
		return header{}, fmt.Errorf("%w: unknown message type %d", ErrInvalidFrame, h.Type)
	}
	return h, nil
}

// readChunk reads exactly n (<= maxChunk) bytes from r into a freshly
// allocated slice.
func readChunk(r io.Reader, n int) ([]byte, error) {
	if n > maxChunk {
		panic("elproxy: readChunk: n exceeds maxChunk")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, wrapReadErr(err)
	}
	return buf, nil
}

// writeFrame writes a single frame (header + payload) to w in one Write
// call where possible, so that under the caller's send-mutex no other
// frame's bytes can interleave with it.
func writeFrame(w io.Writer, typ byte, address uint32, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	encodeHeader(buf, typ, address, uint32(len(payload)))
	copy(buf[headerSize:], payload)
	_, err := w.Write(buf)
	return wrapWriteErr(err)
}

// chunkSizes splits a payload of length total into chunks of at most
// maxChunk bytes each, in order.
func chunkSizes(total uint32) []int {
	if total == 0 {
		return nil
	}
	var sizes []int
	remaining := total
	for remaining > 0 {
		n := remaining
		if n > maxChunk {
			n = maxChunk
		}
		sizes = append(sizes, int(n))
		remaining -= n
	}
	return sizes
}

// wrapReadErr classifies a read error as ErrPeerClosed (the connection went
// away cleanly or was reset) or ErrInvalidFrame (a short read split a frame
// the client had promised to send in full). Any other error is returned
// unchanged.
func wrapReadErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: short read", ErrInvalidFrame)
	}
	if isPeerClosedErr(err) {
		return fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	return err
}

// wrapWriteErr classifies a write error the same way, for the forwarders'
// and handlers' outbound sends.
func wrapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if isPeerClosedErr(err) {
		return fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	return err
}

// isPeerClosedErr reports whether err represents a benign, terminal
// disconnect: a reset or aborted connection, broken pipe, unconnected
// socket, interrupted syscall, or an already-closed net.Conn/net.Listener.
func isPeerClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.EINTR) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, syscall.ENOTCONN) {
		return true
	}
	if errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	return false
}
