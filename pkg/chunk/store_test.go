package chunk

import (
	"bytes"
	"sync"
	"testing"

	"github.com/a6ar55/file-sync/pkg/errs"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := NewStore()
	data := []byte("hello chunks")

	h := s.Put(data)
	got, err := s.Get(h)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %q, want %q", got, data)
	}
	if Sum(got) != h {
		t.Error("stored bytes do not hash to their key")
	}
}

func TestPutIdempotentIncrementsRefs(t *testing.T) {
	s := NewStore()
	data := []byte("same bytes")

	h1 := s.Put(data)
	h2 := s.Put(data)
	if h1 != h2 {
		t.Fatal("identical bytes produced different hashes")
	}
	if got := s.Refs(h1); got != 2 {
		t.Errorf("Refs = %d, want 2", got)
	}
	stats := s.Stats()
	if stats.Chunks != 1 {
		t.Errorf("Chunks = %d, want 1 (no duplicate storage)", stats.Chunks)
	}
	if stats.TotalBytes != int64(len(data)) {
		t.Errorf("TotalBytes = %d, want %d", stats.TotalBytes, len(data))
	}
}

func TestGetUnknownIsNotFound(t *testing.T) {
	s := NewStore()
	_, err := s.Get(Sum([]byte("never stored")))
	if !errs.IsKind(err, errs.NotFound) {
		t.Errorf("Get unknown = %v, want NotFound", err)
	}
}

func TestRefUnrefLifecycle(t *testing.T) {
	s := NewStore()
	h := s.Put([]byte("refcounted"))

	if err := s.Ref(h); err != nil {
		t.Fatalf("Ref error: %v", err)
	}
	if got := s.Refs(h); got != 2 {
		t.Fatalf("Refs = %d, want 2", got)
	}

	s.Unref(h)
	if !s.Has(h) {
		t.Fatal("chunk removed while references remain")
	}
	s.Unref(h)
	if s.Has(h) {
		t.Error("chunk retained after last unref")
	}
	if got := s.Stats().TotalBytes; got != 0 {
		t.Errorf("TotalBytes = %d after removal, want 0", got)
	}
}

func TestUnrefUnknownIsNoop(t *testing.T) {
	s := NewStore()
	s.Unref(Sum([]byte("ghost"))) // must not panic
	if got := s.Stats().Chunks; got != 0 {
		t.Errorf("Chunks = %d, want 0", got)
	}
}

func TestRefUnknownIsNotFound(t *testing.T) {
	s := NewStore()
	if err := s.Ref(Sum([]byte("ghost"))); !errs.IsKind(err, errs.NotFound) {
		t.Errorf("Ref unknown = %v, want NotFound", err)
	}
}

func TestPutDeclared(t *testing.T) {
	s := NewStore()
	data := []byte("declared")

	if err := s.PutDeclared(Sum(data), data); err != nil {
		t.Fatalf("PutDeclared with correct hash: %v", err)
	}
	if !s.Has(Sum(data)) {
		t.Error("chunk not stored")
	}

	err := s.PutDeclared(Sum([]byte("other")), data)
	if !errs.IsKind(err, errs.InvalidRequest) {
		t.Errorf("PutDeclared with wrong hash = %v, want InvalidRequest", err)
	}
	if s.Has(Sum([]byte("other"))) {
		t.Error("mismatched chunk was stored")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	h := s.Put([]byte{1, 2, 3})

	got, _ := s.Get(h)
	got[0] = 99
	again, _ := s.Get(h)
	if again[0] != 1 {
		t.Error("mutating a Get result corrupted the store")
	}
}

func TestHashHexRoundTrip(t *testing.T) {
	h := Sum([]byte("roundtrip"))
	parsed, err := ParseHex(h.Hex())
	if err != nil {
		t.Fatalf("ParseHex error: %v", err)
	}
	if parsed != h {
		t.Error("hex round trip lost data")
	}
}

func TestParseHexRejectsBadInput(t *testing.T) {
	if _, err := ParseHex("zz"); err == nil {
		t.Error("ParseHex accepted non-hex input")
	}
	if _, err := ParseHex("abcd"); err == nil {
		t.Error("ParseHex accepted short input")
	}
}

func TestConcurrentPutGet(t *testing.T) {
	s := NewStore()
	data := []byte("contended chunk")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := s.Put(data)
			if _, err := s.Get(h); err != nil {
				t.Errorf("Get error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := s.Refs(Sum(data)); got != 50 {
		t.Errorf("Refs = %d, want 50", got)
	}
	if got := s.Stats().Chunks; got != 1 {
		t.Errorf("Chunks = %d, want 1", got)
	}
}
