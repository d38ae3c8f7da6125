package delta

import (
	"bytes"
	"testing"

	"github.com/a6ar55/file-sync/pkg/chunk"
	"github.com/a6ar55/file-sync/pkg/errs"
)

// repeat builds deterministic content of n bytes seeded by tag.
func repeat(tag byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = tag + byte(i%7)
	}
	return out
}

func TestSignatureBoundaries(t *testing.T) {
	e := NewEngine(4096)

	if got := e.Signature(nil); got != nil {
		t.Errorf("Signature(empty) = %d chunks, want 0", len(got))
	}

	one := e.Signature([]byte{0x41})
	if len(one) != 1 || one[0].Size != 1 || one[0].Offset != 0 {
		t.Errorf("Signature(1 byte) = %+v, want single 1-byte chunk", one)
	}

	exact := e.Signature(repeat('a', 3*4096))
	if len(exact) != 3 {
		t.Fatalf("Signature(3*4096) = %d chunks, want 3", len(exact))
	}
	for i, s := range exact {
		if s.Size != 4096 {
			t.Errorf("chunk %d size = %d, want 4096", i, s.Size)
		}
		if s.Offset != int64(i*4096) {
			t.Errorf("chunk %d offset = %d, want %d", i, s.Offset, i*4096)
		}
	}

	ragged := e.Signature(repeat('a', 4096+10))
	if len(ragged) != 2 || ragged[1].Size != 10 {
		t.Errorf("Signature(4096+10) = %+v, want trailing 10-byte chunk", ragged)
	}
}

func TestBuildIdenticalContentIsAllCopy(t *testing.T) {
	e := NewEngine(4096)
	content := repeat('a', 3*4096)

	d := e.Build(e.Signature(content), content)
	if len(d.Ops) != 1 {
		t.Fatalf("Ops = %d, want 1 merged copy span", len(d.Ops))
	}
	op := d.Ops[0]
	if op.Kind != OpCopy || op.From != 0 || op.Count != 3 {
		t.Errorf("op = %+v, want copy of chunks 0..2", op)
	}

	m := ComputeMetrics(d)
	if m.BytesTransferred != 0 {
		t.Errorf("BytesTransferred = %d, want 0 for identical content", m.BytesTransferred)
	}
	if m.BytesSaved != int64(len(content)) {
		t.Errorf("BytesSaved = %d, want %d", m.BytesSaved, len(content))
	}
}

func TestBuildMiddleChunkChanged(t *testing.T) {
	e := NewEngine(4096)
	base := append(append(repeat('a', 4096), repeat('b', 4096)...), repeat('c', 4096)...)
	next := append(append(repeat('a', 4096), repeat('x', 4096)...), repeat('c', 4096)...)

	d := e.Build(e.Signature(base), next)
	if len(d.Ops) != 3 {
		t.Fatalf("Ops = %d, want 3", len(d.Ops))
	}
	if d.Ops[0].Kind != OpCopy || d.Ops[0].From != 0 || d.Ops[0].Count != 1 {
		t.Errorf("op[0] = %+v, want copy of chunk 0", d.Ops[0])
	}
	if d.Ops[1].Kind != OpInsert || len(d.Ops[1].Data) != 4096 {
		t.Errorf("op[1] = kind %s size %d, want 4096-byte insert", d.Ops[1].Kind, len(d.Ops[1].Data))
	}
	if d.Ops[2].Kind != OpCopy || d.Ops[2].From != 2 || d.Ops[2].Count != 1 {
		t.Errorf("op[2] = %+v, want copy of chunk 2", d.Ops[2])
	}

	m := ComputeMetrics(d)
	if m.BytesSaved != 8192 {
		t.Errorf("BytesSaved = %d, want 8192", m.BytesSaved)
	}
	if m.BytesTransferred != 4096 {
		t.Errorf("BytesTransferred = %d, want 4096", m.BytesTransferred)
	}
	if m.CompressionRatio < 0.66 || m.CompressionRatio > 0.67 {
		t.Errorf("CompressionRatio = %f, want ~0.667", m.CompressionRatio)
	}
}

func TestBuildDisjointContentIsAllInsert(t *testing.T) {
	e := NewEngine(4096)
	base := repeat('a', 2*4096)
	next := repeat('z', 2*4096)

	d := e.Build(e.Signature(base), next)
	for i, op := range d.Ops {
		if op.Kind != OpInsert {
			t.Errorf("op[%d] = %s, want insert", i, op.Kind)
		}
	}
	m := ComputeMetrics(d)
	if m.BytesSaved != 0 || m.CompressionRatio != 0 {
		t.Errorf("metrics = %+v, want nothing saved", m)
	}
}

func TestBuildFirstOccurrenceWins(t *testing.T) {
	e := NewEngine(4096)
	block := repeat('a', 4096)
	// Base chunks 0 and 1 are identical; matches must reference chunk 0.
	base := append(append([]byte{}, block...), block...)
	d := e.Build(e.Signature(base), block)

	if len(d.Ops) != 1 || d.Ops[0].Kind != OpCopy {
		t.Fatalf("Ops = %+v, want single copy", d.Ops)
	}
	if d.Ops[0].From != 0 {
		t.Errorf("From = %d, want first occurrence 0", d.Ops[0].From)
	}
}

func TestApplyRoundTrip(t *testing.T) {
	e := NewEngine(4096)
	base := append(append(repeat('a', 4096), repeat('b', 4096)...), repeat('c', 100)...)
	next := append(append(repeat('b', 4096), repeat('q', 4096)...), repeat('a', 4096)...)

	d := e.Build(e.Signature(base), next)
	got, err := e.Apply(base, d, nil)
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if !bytes.Equal(got, next) {
		t.Error("Apply did not reconstruct the new content")
	}
}

func TestApplyEmptyTarget(t *testing.T) {
	e := NewEngine(4096)
	base := repeat('a', 4096)

	d := e.Build(e.Signature(base), nil)
	if len(d.Ops) != 0 {
		t.Fatalf("Ops = %d for empty target, want 0", len(d.Ops))
	}
	got, err := e.Apply(base, d, nil)
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Apply = %d bytes, want 0", len(got))
	}
}

func TestApplyDetectsCorruptedInsert(t *testing.T) {
	e := NewEngine(4096)
	base := repeat('a', 4096)
	next := repeat('z', 4096)

	d := e.Build(e.Signature(base), next)
	d.Ops[0].Data[0] ^= 0xff

	_, err := e.Apply(base, d, nil)
	if !errs.IsKind(err, errs.DeltaIntegrity) {
		t.Errorf("Apply corrupted insert = %v, want DeltaIntegrity", err)
	}
}

func TestApplyDetectsWrongTargetHash(t *testing.T) {
	e := NewEngine(4096)
	base := repeat('a', 4096)
	next := repeat('z', 4096)

	d := e.Build(e.Signature(base), next)
	// Consistent per-op data but a declared target that cannot match.
	d.TargetHash = chunk.Sum([]byte("something else"))

	_, err := e.Apply(base, d, nil)
	if !errs.IsKind(err, errs.DeltaIntegrity) {
		t.Errorf("Apply wrong target hash = %v, want DeltaIntegrity", err)
	}
}

func TestStripKnownAndFetch(t *testing.T) {
	e := NewEngine(4096)
	base := repeat('a', 4096)
	next := append(repeat('x', 4096), repeat('y', 4096)...)

	held := map[chunk.Hash][]byte{}
	xHash := chunk.Sum(repeat('x', 4096))
	held[xHash] = repeat('x', 4096)

	d := e.Build(e.Signature(base), next)
	stripped := d.StripKnown(func(h chunk.Hash) bool { _, ok := held[h]; return ok })

	var strippedCount int
	for _, op := range stripped.Ops {
		if op.Kind == OpInsert && op.Data == nil {
			strippedCount++
		}
	}
	if strippedCount != 1 {
		t.Fatalf("stripped %d inserts, want 1", strippedCount)
	}
	// Original delta keeps its bytes.
	for i, op := range d.Ops {
		if op.Kind == OpInsert && op.Data == nil {
			t.Errorf("StripKnown mutated source op %d", i)
		}
	}

	got, err := e.Apply(base, stripped, func(h chunk.Hash) ([]byte, error) {
		data, ok := held[h]
		if !ok {
			return nil, errs.New(errs.NotFound, "test", "chunk %s not held", h)
		}
		return data, nil
	})
	if err != nil {
		t.Fatalf("Apply with fetch error: %v", err)
	}
	if !bytes.Equal(got, next) {
		t.Error("Apply with fetched chunks did not reconstruct content")
	}

	// Without a resolver the stripped insert must fail loudly.
	if _, err := e.Apply(base, stripped, nil); !errs.IsKind(err, errs.MissingChunk) {
		t.Errorf("Apply stripped without fetch = %v, want MissingChunk", err)
	}
}

func TestApplyRejectsOutOfRangeCopy(t *testing.T) {
	e := NewEngine(4096)
	d := Delta{
		TargetSize: 4096,
		Ops:        []Op{{Kind: OpCopy, From: 5, Count: 1, Size: 4096}},
	}
	_, err := e.Apply(repeat('a', 4096), d, nil)
	if !errs.IsKind(err, errs.DeltaIntegrity) {
		t.Errorf("Apply out-of-range copy = %v, want DeltaIntegrity", err)
	}
}
