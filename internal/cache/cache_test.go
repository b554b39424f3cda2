package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"media-preview/internal/preview"
)

func newTestCache(t *testing.T, byteBudget int64, entryBudget int) *Cache {
	t.Helper()
	c, err := New(context.Background(), Config{
		Path:        filepath.Join(t.TempDir(), "previews.db"),
		ByteBudget:  byteBudget,
		EntryBudget: entryBudget,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testIdentity(path string) preview.FileIdentity {
	return preview.FileIdentity{
		Host:    "nas1",
		Path:    path,
		Size:    1000,
		ModTime: time.Unix(1700000000, 0),
	}
}

func testArtifact(path string, payload []byte) *preview.PreviewArtifact {
	return &preview.PreviewArtifact{
		Data:        payload,
		Format:      "jpeg",
		Width:       320,
		Height:      180,
		Size:        int64(len(payload)),
		GeneratedAt: time.Now(),
		Source:      testIdentity(path),
	}
}

func thumbSpec() preview.QualitySpec {
	return preview.QualitySpec{Kind: preview.KindThumbnail, MaxWidth: 320, MaxHeight: 180}
}

func TestPutGet(t *testing.T) {
	c := newTestCache(t, 0, 0)
	ctx := context.Background()

	id := testIdentity("/video/a.mp4")
	key := preview.KeyFor(id, thumbSpec())
	payload := []byte("jpeg-bytes")

	if err := c.Put(ctx, key, testArtifact("/video/a.mp4", payload)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected hit")
	}
	if string(got.Data) != string(payload) {
		t.Errorf("Payload mismatch: %q", got.Data)
	}
	if !got.Source.SameContent(id) {
		t.Error("Expected stored identity to match")
	}
	if got.Width != 320 || got.Height != 180 {
		t.Errorf("Dimension mismatch: %dx%d", got.Width, got.Height)
	}
}

func TestGetMiss(t *testing.T) {
	c := newTestCache(t, 0, 0)

	_, ok, err := c.Get(context.Background(), preview.PreviewKey("absent"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("Expected miss")
	}
}

func TestByteBudgetEviction(t *testing.T) {
	c := newTestCache(t, 250, 0)
	ctx := context.Background()

	// Three 100-byte artifacts against a 250-byte budget: the least
	// recently used entry must go.
	payload := make([]byte, 100)
	keys := make([]preview.PreviewKey, 3)
	for i, p := range []string{"/a.mp4", "/b.mp4", "/c.mp4"} {
		keys[i] = preview.KeyFor(testIdentity(p), thumbSpec())
		if err := c.Put(ctx, keys[i], testArtifact(p, payload)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	entries, bytes, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if bytes > 250 {
		t.Errorf("Byte budget exceeded: %d", bytes)
	}
	if entries != 2 {
		t.Errorf("Expected 2 entries after eviction, got %d", entries)
	}

	if _, ok, _ := c.Get(ctx, keys[0]); ok {
		t.Error("Expected oldest entry evicted")
	}
	if _, ok, _ := c.Get(ctx, keys[2]); !ok {
		t.Error("Expected newest entry retained")
	}
}

func TestLRUOrderFollowsAccess(t *testing.T) {
	c := newTestCache(t, 250, 0)
	ctx := context.Background()

	payload := make([]byte, 100)
	keyA := preview.KeyFor(testIdentity("/a.mp4"), thumbSpec())
	keyB := preview.KeyFor(testIdentity("/b.mp4"), thumbSpec())

	if err := c.Put(ctx, keyA, testArtifact("/a.mp4", payload)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.Put(ctx, keyB, testArtifact("/b.mp4", payload)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Touch A so B becomes the LRU victim.
	if _, ok, _ := c.Get(ctx, keyA); !ok {
		t.Fatal("Expected hit on A")
	}

	keyC := preview.KeyFor(testIdentity("/c.mp4"), thumbSpec())
	if err := c.Put(ctx, keyC, testArtifact("/c.mp4", payload)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, ok, _ := c.Get(ctx, keyB); ok {
		t.Error("Expected B evicted as least recently accessed")
	}
	if _, ok, _ := c.Get(ctx, keyA); !ok {
		t.Error("Expected A retained after access bump")
	}
}

func TestEntryBudget(t *testing.T) {
	c := newTestCache(t, 0, 2)
	ctx := context.Background()

	for _, p := range []string{"/a.mp4", "/b.mp4", "/c.mp4"} {
		key := preview.KeyFor(testIdentity(p), thumbSpec())
		if err := c.Put(ctx, key, testArtifact(p, []byte("x"))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	entries, _, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if entries != 2 {
		t.Errorf("Expected 2 entries, got %d", entries)
	}
}

func TestReplaceResetsRecency(t *testing.T) {
	c := newTestCache(t, 250, 0)
	ctx := context.Background()

	payload := make([]byte, 100)
	keyA := preview.KeyFor(testIdentity("/a.mp4"), thumbSpec())
	keyB := preview.KeyFor(testIdentity("/b.mp4"), thumbSpec())

	if err := c.Put(ctx, keyA, testArtifact("/a.mp4", payload)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.Put(ctx, keyB, testArtifact("/b.mp4", payload)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Re-put A: now B is the LRU victim.
	if err := c.Put(ctx, keyA, testArtifact("/a.mp4", payload)); err != nil {
		t.Fatalf("Re-put failed: %v", err)
	}

	keyC := preview.KeyFor(testIdentity("/c.mp4"), thumbSpec())
	if err := c.Put(ctx, keyC, testArtifact("/c.mp4", payload)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, ok, _ := c.Get(ctx, keyA); !ok {
		t.Error("Expected replaced entry to survive")
	}
	if _, ok, _ := c.Get(ctx, keyB); ok {
		t.Error("Expected stale entry evicted")
	}
}

func TestOversizedArtifactNotCached(t *testing.T) {
	c := newTestCache(t, 50, 0)
	ctx := context.Background()

	key := preview.KeyFor(testIdentity("/big.mp4"), thumbSpec())
	if err := c.Put(ctx, key, testArtifact("/big.mp4", make([]byte, 100))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, ok, _ := c.Get(ctx, key); ok {
		t.Error("Artifact exceeding the whole budget must not be cached")
	}
}

func TestInvalidate(t *testing.T) {
	c := newTestCache(t, 0, 0)
	ctx := context.Background()

	key := preview.KeyFor(testIdentity("/a.mp4"), thumbSpec())
	if err := c.Put(ctx, key, testArtifact("/a.mp4", []byte("x"))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := c.Invalidate(ctx, key); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Error("Expected entry gone after invalidation")
	}

	// Invalidating an absent key is a no-op.
	if err := c.Invalidate(ctx, key); err != nil {
		t.Errorf("Invalidate of absent key failed: %v", err)
	}
}

func TestInvalidateFileRemovesAllSpecs(t *testing.T) {
	c := newTestCache(t, 0, 0)
	ctx := context.Background()

	id := testIdentity("/a.mp4")
	thumbKey := preview.KeyFor(id, thumbSpec())
	clipKey := preview.KeyFor(id, preview.QualitySpec{Kind: preview.KindClip, MaxDuration: 10 * time.Second})
	otherKey := preview.KeyFor(testIdentity("/b.mp4"), thumbSpec())

	for _, put := range []struct {
		key  preview.PreviewKey
		path string
	}{
		{thumbKey, "/a.mp4"}, {clipKey, "/a.mp4"}, {otherKey, "/b.mp4"},
	} {
		if err := c.Put(ctx, put.key, testArtifact(put.path, []byte("x"))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	removed, err := c.InvalidateFile(ctx, "nas1", "/a.mp4")
	if err != nil {
		t.Fatalf("InvalidateFile failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}

	if _, ok, _ := c.Get(ctx, thumbKey); ok {
		t.Error("Expected thumbnail entry removed")
	}
	if _, ok, _ := c.Get(ctx, clipKey); ok {
		t.Error("Expected clip entry removed")
	}
	if _, ok, _ := c.Get(ctx, otherKey); !ok {
		t.Error("Expected unrelated entry retained")
	}
}

func TestProxySpoolLifecycle(t *testing.T) {
	c := newTestCache(t, 0, 0)
	ctx := context.Background()

	spoolDir := t.TempDir()
	spool := filepath.Join(spoolDir, "proxy-1.mp4")
	if err := os.WriteFile(spool, []byte("mp4-payload"), 0644); err != nil {
		t.Fatalf("Failed to write spool: %v", err)
	}

	key := preview.KeyFor(testIdentity("/a.mp4"), preview.QualitySpec{Kind: preview.KindProxy})
	artifact := &preview.PreviewArtifact{
		FilePath:    spool,
		Format:      "mp4",
		Size:        11,
		GeneratedAt: time.Now(),
		Source:      testIdentity("/a.mp4"),
	}

	if err := c.Put(ctx, key, artifact); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Expected hit, got ok=%v err=%v", ok, err)
	}
	if got.FilePath != spool {
		t.Errorf("Expected spool path %s, got %s", spool, got.FilePath)
	}

	// Invalidation removes the spool file too.
	if err := c.Invalidate(ctx, key); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, err := os.Stat(spool); !os.IsNotExist(err) {
		t.Error("Expected spool file removed on invalidation")
	}
}

func TestProxyMissingSpoolIsMiss(t *testing.T) {
	c := newTestCache(t, 0, 0)
	ctx := context.Background()

	key := preview.KeyFor(testIdentity("/a.mp4"), preview.QualitySpec{Kind: preview.KindProxy})
	artifact := &preview.PreviewArtifact{
		FilePath:    filepath.Join(t.TempDir(), "vanished.mp4"),
		Format:      "mp4",
		Size:        10,
		GeneratedAt: time.Now(),
		Source:      testIdentity("/a.mp4"),
	}

	if err := c.Put(ctx, key, artifact); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, ok, _ := c.Get(ctx, key); ok {
		t.Error("Expected miss for entry with missing spool file")
	}
	// The broken row must be gone.
	entries, _, _ := c.Stats(ctx)
	if entries != 0 {
		t.Errorf("Expected 0 entries, got %d", entries)
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "previews.db")
	ctx := context.Background()

	c, err := New(ctx, Config{Path: dbPath})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	key := preview.KeyFor(testIdentity("/a.mp4"), thumbSpec())
	if err := c.Put(ctx, key, testArtifact("/a.mp4", []byte("persisted"))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c2, err := New(ctx, Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer c2.Close()

	got, ok, err := c2.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Expected hit after reopen, got ok=%v err=%v", ok, err)
	}
	if string(got.Data) != "persisted" {
		t.Errorf("Payload mismatch after reopen: %q", got.Data)
	}
}

func TestOversizedSpoolReleased(t *testing.T) {
	c := newTestCache(t, 10, 0)
	ctx := context.Background()

	spool := filepath.Join(t.TempDir(), "proxy-big.mp4")
	payload := []byte("oversized-proxy-payload")
	if err := os.WriteFile(spool, payload, 0644); err != nil {
		t.Fatalf("Failed to write spool: %v", err)
	}

	key := preview.KeyFor(testIdentity("/big.mp4"), preview.QualitySpec{Kind: preview.KindProxy})
	artifact := &preview.PreviewArtifact{
		FilePath:    spool,
		Format:      "mp4",
		Size:        int64(len(payload)),
		GeneratedAt: time.Now(),
		Source:      testIdentity("/big.mp4"),
	}

	if err := c.Put(ctx, key, artifact); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, ok, _ := c.Get(ctx, key); ok {
		t.Error("Expected oversized artifact to be declined")
	}

	// The declined spool must not linger as an orphan.
	if _, err := os.Stat(spool); !os.IsNotExist(err) {
		t.Errorf("Expected declined spool to be unlinked, stat err = %v", err)
	}

	// Waiters holding the artifact still read the payload.
	rc, err := artifact.Open()
	if err != nil {
		t.Fatalf("Open after decline failed: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("Read after decline failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("Payload mismatch after decline: %q", got)
	}
}

func TestSweepSpoolRemovesOrphans(t *testing.T) {
	c := newTestCache(t, 0, 0)
	ctx := context.Background()
	spoolDir := t.TempDir()

	adopted := filepath.Join(spoolDir, "proxy-adopted.mp4")
	if err := os.WriteFile(adopted, []byte("adopted"), 0644); err != nil {
		t.Fatalf("Failed to write spool: %v", err)
	}
	orphan := filepath.Join(spoolDir, "proxy-orphan.mp4")
	if err := os.WriteFile(orphan, []byte("orphan"), 0644); err != nil {
		t.Fatalf("Failed to write spool: %v", err)
	}

	key := preview.KeyFor(testIdentity("/a.mp4"), preview.QualitySpec{Kind: preview.KindProxy})
	err := c.Put(ctx, key, &preview.PreviewArtifact{
		FilePath:    adopted,
		Format:      "mp4",
		Size:        7,
		GeneratedAt: time.Now(),
		Source:      testIdentity("/a.mp4"),
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	removed, err := c.SweepSpool(ctx, spoolDir)
	if err != nil {
		t.Fatalf("SweepSpool failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 orphan removed, got %d", removed)
	}
	if _, err := os.Stat(adopted); err != nil {
		t.Errorf("Adopted spool must survive the sweep: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("Expected orphan removed, stat err = %v", err)
	}

	if removed, err := c.SweepSpool(ctx, filepath.Join(spoolDir, "absent")); err != nil || removed != 0 {
		t.Errorf("Sweep of missing dir = (%d, %v), want (0, nil)", removed, err)
	}
}

func TestEvictionTieBreakOldestGeneration(t *testing.T) {
	c := newTestCache(t, 250, 0)
	ctx := context.Background()

	// Two rows with identical last-access stamps; only generated_at orders
	// them.
	insert := `
	INSERT INTO previews (key, host, path, size, mod_time, content_hash,
		format, width, height, duration_ms, byte_cost, data, file_path, generated_at, last_access)
	VALUES (?, 'nas1', ?, 1000, 1, '', 'jpeg', 0, 0, 0, 100, ?, '', ?, 500)
	`
	if _, err := c.db.ExecContext(ctx, insert, "older-gen", "/a.mp4", []byte("aaa"), 100); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := c.db.ExecContext(ctx, insert, "newer-gen", "/b.mp4", []byte("bbb"), 200); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Push totals past the budget so eviction must pick a victim.
	key := preview.KeyFor(testIdentity("/c.mp4"), thumbSpec())
	if err := c.Put(ctx, key, testArtifact("/c.mp4", make([]byte, 100))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, ok, _ := c.Get(ctx, preview.PreviewKey("older-gen")); ok {
		t.Error("Expected the older-generation row to be evicted on an access tie")
	}
	if _, ok, _ := c.Get(ctx, preview.PreviewKey("newer-gen")); !ok {
		t.Error("Expected the newer-generation row to survive")
	}
	if _, ok, _ := c.Get(ctx, key); !ok {
		t.Error("Expected the fresh entry to survive")
	}
}
