package transport

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"strings"
	"testing"

	"zfsreplicate/internal/repliterr"
)

func TestNewRequiresPinnedHostKey(t *testing.T) {
	_, err := New(Options{Host: "peer.example"})
	if !errors.Is(err, repliterr.ErrPeerUntrusted) {
		t.Fatalf("expected ErrPeerUntrusted, got %v", err)
	}
}

func TestRemoteReceiveCommand(t *testing.T) {
	cases := []struct {
		c    Compression
		want string
	}{
		{CompressionNone, "zfs receive -F -d tank"},
		{CompressionPigz, "gunzip -c | zfs receive -F -d tank"},
		{CompressionLz4, "gunzip -c | zfs receive -F -d tank"},
		{CompressionPlzip, "zstd -d -c | zfs receive -F -d tank"},
		{CompressionXz, "zstd -d -c | zfs receive -F -d tank"},
	}
	for _, c := range cases {
		got := remoteReceiveCommand("tank", c.c)
		if got != c.want {
			t.Errorf("compression %q: expected %q, got %q", c.c, c.want, got)
		}
	}
}

func TestCompressRoundTripsThroughGzip(t *testing.T) {
	payload := strings.Repeat("zfs-stream-bytes", 1000)
	compressed, closeFn := compress(strings.NewReader(payload), CompressionPigz)

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, compressed); err != nil {
		t.Fatalf("copy: %v", err)
	}
	closeFn()

	if buf.Len() == 0 {
		t.Fatal("expected non-empty compressed output")
	}
	if buf.Len() >= len(payload) {
		t.Errorf("expected compression to shrink a highly repetitive payload: got %d bytes from %d", buf.Len(), len(payload))
	}

	zr, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	decoded, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(decoded) != payload {
		t.Errorf("round trip mismatch: got %d bytes back, want %d", len(decoded), len(payload))
	}
}

func TestCompressNoneIsPassthrough(t *testing.T) {
	payload := "raw bytes, unchanged"
	compressed, closeFn := compress(strings.NewReader(payload), CompressionNone)
	defer closeFn()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, compressed); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if buf.String() != payload {
		t.Errorf("expected passthrough, got %q", buf.String())
	}
}
