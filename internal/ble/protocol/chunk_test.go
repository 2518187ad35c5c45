package protocol

import (
	"bytes"
	"testing"
)

func TestChunkBytesFits(t *testing.T) {
	data := []byte("short")
	chunks := ChunkBytes(data, 20)
	if len(chunks) != 1 || !bytes.Equal(chunks[0], data) {
		t.Errorf("ChunkBytes() = %q, want single chunk", chunks)
	}
}

func TestChunkBytesEmpty(t *testing.T) {
	if chunks := ChunkBytes(nil, 20); chunks != nil {
		t.Errorf("ChunkBytes(nil) = %v, want nil", chunks)
	}
}

func TestChunkBytesSplitsInOrder(t *testing.T) {
	frame, err := PrintLine(bytes.Repeat([]byte{0x5A}, RowBytes))
	if err != nil {
		t.Fatalf("PrintLine() error = %v", err)
	}
	chunks := ChunkBytes(frame, WritePayload(DefaultMTU))
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3 for a %d-byte frame", len(chunks), len(frame))
	}
	for i, c := range chunks[:len(chunks)-1] {
		if len(c) != 20 {
			t.Errorf("chunk %d is %d bytes, want 20", i, len(c))
		}
	}
	if got := bytes.Join(chunks, nil); !bytes.Equal(got, frame) {
		t.Error("reassembled chunks differ from input")
	}
}

func TestWritePayload(t *testing.T) {
	tests := []struct{ mtu, want int }{
		{0, 20},
		{23, 20},
		{185, 182},
		{517, 514},
	}
	for _, tt := range tests {
		if got := WritePayload(tt.mtu); got != tt.want {
			t.Errorf("WritePayload(%d) = %d, want %d", tt.mtu, got, tt.want)
		}
	}
}
