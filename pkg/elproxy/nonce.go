package elproxy

import (
	"crypto/rand"
	"encoding/binary"
)

// newNonce draws a uniformly distributed 32-bit authentication challenge
// from the OS CSPRNG. The random source, like MD5 and the regex engine, is a
// black-box primitive this package only consumes.
func newNonce() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
