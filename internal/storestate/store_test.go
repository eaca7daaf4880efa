package storestate

import (
	"context"
	"os"
	"testing"

	"github.com/knirvcorp/meshgraph/internal/model"
	"github.com/knirvcorp/meshgraph/internal/value"
	"github.com/knirvcorp/meshgraph/internal/vclock"
)

func vv(val value.Value) model.VersionedValue {
	return model.VersionedValue{Value: val, Origin: "node-a", Clock: vclock.VectorClock{"node-a": 1}, Timestamp: 1}
}

func testStoreRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	path := model.MustParsePath("users/alice")

	if _, ok, err := s.Get(ctx, path); err != nil || ok {
		t.Fatalf("expected miss on empty store, got ok=%v err=%v", ok, err)
	}

	want := vv(value.String("hello"))
	if err := s.Put(ctx, path, want); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := s.Get(ctx, path)
	if err != nil || !ok {
		t.Fatalf("expected hit after put, got ok=%v err=%v", ok, err)
	}
	if !got.Value.Equal(want.Value) {
		t.Errorf("expected %v, got %v", want.Value.ToInterface(), got.Value.ToInterface())
	}
	if got.Origin != want.Origin || got.Clock["node-a"] != want.Clock["node-a"] {
		t.Errorf("expected metadata preserved, got origin=%v clock=%v", got.Origin, got.Clock)
	}

	if err := s.Del(ctx, path); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, ok, err := s.Get(ctx, path); err != nil || ok {
		t.Fatalf("expected miss after delete, got ok=%v err=%v", ok, err)
	}
}

func testStoreScan(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.Put(ctx, model.MustParsePath("users/alice"), vv(value.String("a"))); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, model.MustParsePath("users/bob"), vv(value.String("b"))); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, model.MustParsePath("posts/1"), vv(value.String("c"))); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Scan(ctx, model.MustParsePath("users"))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries under users/, got %d", len(entries))
	}

	all, err := s.Scan(ctx, nil)
	if err != nil {
		t.Fatalf("scan all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 entries scanning the whole store, got %d", len(all))
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	testStoreRoundTrip(t, NewMemoryStore())
}

func TestMemoryStoreScan(t *testing.T) {
	testStoreScan(t, NewMemoryStore())
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "meshgraph-store-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	defer s.Close()
	testStoreRoundTrip(t, s)
}

func TestFileStoreScan(t *testing.T) {
	dir, err := os.MkdirTemp("", "meshgraph-store-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	defer s.Close()
	testStoreScan(t, s)
}

func TestEncryptedFileStoreRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "meshgraph-store-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	inner, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	defer inner.Close()

	s := NewEncryptedFileStore(inner, "correct horse battery staple")
	testStoreRoundTrip(t, s)
}

func TestEncryptedFileStoreOpaqueOnDisk(t *testing.T) {
	ctx := context.Background()
	dir, err := os.MkdirTemp("", "meshgraph-store-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	inner, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	defer inner.Close()

	s := NewEncryptedFileStore(inner, "passphrase")
	path := model.MustParsePath("secret")
	if err := s.Put(ctx, path, vv(value.String("top secret"))); err != nil {
		t.Fatalf("put: %v", err)
	}

	raw, ok, err := inner.Get(ctx, path)
	if err != nil || !ok {
		t.Fatalf("expected raw entry to exist, ok=%v err=%v", ok, err)
	}
	if raw.Value.Kind() != value.KindString {
		t.Fatalf("expected opaque string envelope on disk, got kind %v", raw.Value.Kind())
	}
	if raw.Value.String() == `"top secret"` {
		t.Error("expected plaintext not to appear verbatim on disk")
	}
}

func TestEncryptedFileStoreWrongPassphraseFails(t *testing.T) {
	ctx := context.Background()
	dir, err := os.MkdirTemp("", "meshgraph-store-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	inner, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	defer inner.Close()

	writer := NewEncryptedFileStore(inner, "right-key")
	path := model.MustParsePath("secret")
	if err := writer.Put(ctx, path, vv(value.String("data"))); err != nil {
		t.Fatalf("put: %v", err)
	}

	reader := NewEncryptedFileStore(inner, "wrong-key")
	if _, _, err := reader.Get(ctx, path); err == nil {
		t.Error("expected decryption with the wrong passphrase to fail")
	}
}
