package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"media-preview/internal/preview"
)

func writeTestFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestLocalOpenAndReadRange(t *testing.T) {
	dir := t.TempDir()
	data := []byte("0123456789abcdef")
	writeTestFile(t, dir, "clip.mp4", data)

	adapter := NewLocal("testhost", dir)
	f, err := adapter.Open("clip.mp4")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	if f.Size() != int64(len(data)) {
		t.Errorf("Expected size %d, got %d", len(data), f.Size())
	}
	if !f.Seekable() {
		t.Error("Expected local files to be seekable")
	}
	if f.Identity().Host != "testhost" || f.Identity().Path != "clip.mp4" {
		t.Errorf("Unexpected identity: %+v", f.Identity())
	}

	got, err := f.ReadRange(context.Background(), 4, 4)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if !bytes.Equal(got, []byte("4567")) {
		t.Errorf("Expected 4567, got %q", got)
	}
}

func TestLocalReadRangeClipsAtEOF(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "small.bin", []byte("abc"))

	adapter := NewLocal("h", dir)
	f, err := adapter.Open("small.bin")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	got, err := f.ReadRange(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if string(got) != "bc" {
		t.Errorf("Expected bc, got %q", got)
	}

	// Past EOF returns nothing without error
	got, err = f.ReadRange(context.Background(), 10, 4)
	if err != nil || len(got) != 0 {
		t.Errorf("Expected empty read past EOF, got %q err %v", got, err)
	}
}

func TestLocalReadRangeTruncated(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "shrink.bin", bytes.Repeat([]byte("x"), 1000))

	adapter := NewLocal("h", dir)
	f, err := adapter.Open("shrink.bin")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	// Shrink the file after open; the adapter still believes the old size.
	if err := os.Truncate(path, 500); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	_, err = f.ReadRange(context.Background(), 400, 300)
	if err == nil {
		t.Fatal("Expected truncated error")
	}
	if preview.KindOf(err) != preview.KindTruncated {
		t.Errorf("Expected truncated kind, got %s", preview.KindOf(err))
	}
}

func TestLocalOpenMissing(t *testing.T) {
	adapter := NewLocal("h", t.TempDir())
	_, err := adapter.Open("nope.mp4")
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
	if preview.KindOf(err) != preview.KindHostUnreachable {
		t.Errorf("Expected host_unreachable kind, got %s", preview.KindOf(err))
	}
}

func TestLocalRejectsEscape(t *testing.T) {
	adapter := NewLocal("h", t.TempDir())
	_, err := adapter.Open("../../etc/passwd")
	if err == nil {
		t.Fatal("Expected escaping path to be rejected")
	}
}

func TestLocalStat(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "a.jpg", []byte("imgdata"))

	adapter := NewLocal("nas", dir)
	id, err := adapter.Stat("a.jpg")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if id.Size != 7 || id.Host != "nas" || id.Path != "a.jpg" {
		t.Errorf("Unexpected identity: %+v", id)
	}
}

func TestReadPrefix(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "p.bin", []byte("prefix-and-rest"))

	adapter := NewLocal("h", dir)
	f, err := adapter.Open("p.bin")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	got, err := ReadPrefix(context.Background(), f, 6)
	if err != nil {
		t.Fatalf("ReadPrefix failed: %v", err)
	}
	if string(got) != "prefix" {
		t.Errorf("Expected prefix, got %q", got)
	}

	// Budget larger than the file reads the whole file
	got, err = ReadPrefix(context.Background(), f, 1<<20)
	if err != nil {
		t.Fatalf("ReadPrefix failed: %v", err)
	}
	if string(got) != "prefix-and-rest" {
		t.Errorf("Expected full contents, got %q", got)
	}
}

func TestNewReader(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("stream"), 100)
	writeTestFile(t, dir, "s.bin", data)

	adapter := NewLocal("h", dir)
	f, err := adapter.Open("s.bin")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	r := NewReader(context.Background(), f, 7)
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Streamed data mismatch: %d bytes vs %d", len(got), len(data))
	}
}

func TestReadRangeCancelled(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "c.bin", []byte("data"))

	adapter := NewLocal("h", dir)
	f, err := adapter.Open("c.bin")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.ReadRange(ctx, 0, 4)
	if preview.KindOf(err) != preview.KindCancelled {
		t.Errorf("Expected cancelled kind, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("Expected the context error to be wrapped")
	}
}
