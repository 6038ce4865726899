package elproxy

import (
	"bytes"
	"io"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		typ     byte
		address uint32
		size    uint32
	}{
		{msgTCPOpen, 0, 0},
		{msgTCPData, 0xdeadbeef, 1},
		{msgTCPClose, 0, 0},
		{msgTCPStatus, 0, 4},
		{msgUDPData, 0x7f000001, 1500},
		{msgUDPControl, 0xffffffff, 0},
		{msgSystem, 0, 1},
	}
	for _, c := range cases {
		var buf [headerSize]byte
		encodeHeader(buf[:], c.typ, c.address, c.size)

		h, err := readHeader(bytes.NewReader(buf[:]))
		if err != nil {
			t.Fatalf("readHeader(%+v): %v", c, err)
		}
		if h.Type != c.typ || h.Address != c.address || h.Size != c.size {
			t.Errorf("decode(encode(%+v)) = %+v", c, h)
		}
	}
}

func TestReadHeaderRejectsUnknownType(t *testing.T) {
	var buf [headerSize]byte
	encodeHeader(buf[:], 0, 0, 0)
	if _, err := readHeader(bytes.NewReader(buf[:])); err == nil {
		t.Fatal("expected error for message type 0")
	}
	encodeHeader(buf[:], 8, 0, 0)
	if _, err := readHeader(bytes.NewReader(buf[:])); err == nil {
		t.Fatal("expected error for message type 8")
	}
}

func TestReadHeaderShortRead(t *testing.T) {
	if _, err := readHeader(bytes.NewReader([]byte{1, 2, 3})); err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestWriteFrameNoInterleave(t *testing.T) {
	// writeFrame must produce a single contiguous write so concurrent
	// callers serialized by a mutex never interleave two frames' bytes.
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte{0xAB}, 100)
	if err := writeFrame(&buf, msgTCPData, 0, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if buf.Len() != headerSize+len(payload) {
		t.Fatalf("writeFrame wrote %d bytes, want %d", buf.Len(), headerSize+len(payload))
	}
	h, err := readHeader(&buf)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if h.Type != msgTCPData || h.Size != uint32(len(payload)) {
		t.Fatalf("unexpected header %+v", h)
	}
	got := make([]byte, h.Size)
	if _, err := io.ReadFull(&buf, got); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestChunkSizes(t *testing.T) {
	cases := []struct {
		total uint32
		want  []int
	}{
		{0, nil},
		{1, []int{1}},
		{maxChunk, []int{maxChunk}},
		{maxChunk + 1, []int{maxChunk, 1}},
		{10000, []int{maxChunk, maxChunk, 10000 - 2*maxChunk}},
	}
	for _, c := range cases {
		got := chunkSizes(c.total)
		if len(got) != len(c.want) {
			t.Fatalf("chunkSizes(%d) = %v, want %v", c.total, got, c.want)
		}
		sum := 0
		for i, n := range got {
			if n > maxChunk {
				t.Errorf("chunkSizes(%d)[%d] = %d exceeds maxChunk", c.total, i, n)
			}
			if n != c.want[i] {
				t.Errorf("chunkSizes(%d)[%d] = %d, want %d", c.total, i, n, c.want[i])
			}
			sum += n
		}
		if uint32(sum) != c.total {
			t.Errorf("chunkSizes(%d) sums to %d", c.total, sum)
		}
	}
}
