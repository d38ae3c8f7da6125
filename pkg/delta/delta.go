// Package delta implements chunk-signature generation and delta
// construction for bandwidth-efficient replication. Files are split at
// fixed offsets; a delta against a base signature carries copy
// operations for chunks the base already has and insert operations
// (with bytes) for new chunks.
package delta

import (
	"crypto/sha256"

	"github.com/a6ar55/file-sync/pkg/chunk"
	"github.com/a6ar55/file-sync/pkg/errs"
)

// DefaultChunkSize is the recommended fixed chunk size (4 KiB).
const DefaultChunkSize = 4096

// ChunkSignature identifies one chunk of a file by position and
// content hash. Size equals the engine's chunk size for all but
// possibly the final chunk.
type ChunkSignature struct {
	Index  int        `json:"index"`
	Offset int64      `json:"offset"`
	Size   int        `json:"size"`
	Hash   chunk.Hash `json:"hash"`
}

// OpKind discriminates delta operations.
type OpKind string

const (
	// OpCopy reuses a contiguous run of chunks from the base content.
	OpCopy OpKind = "copy"
	// OpInsert splices in a chunk the base does not have.
	OpInsert OpKind = "insert"
)

// Op is a single delta operation. Copy ops reference base chunks by
// index; Insert ops carry the chunk hash and, unless the receiver is
// known to hold the chunk already, its bytes.
type Op struct {
	Kind OpKind `json:"op"`

	// Copy fields: the first base chunk index and the run length.
	From  int `json:"from,omitempty"`
	Count int `json:"count,omitempty"`

	// Insert fields.
	Hash chunk.Hash `json:"hash,omitempty"`
	Data []byte     `json:"data,omitempty"`

	// Size is the number of output bytes this op produces.
	Size int64 `json:"size"`
}

// Delta transforms content matching a base signature into new content.
type Delta struct {
	BaseDigest chunk.Hash `json:"base_signature_digest"`
	TargetHash chunk.Hash `json:"target_hash"`
	TargetSize int64      `json:"target_size"`
	Ops        []Op       `json:"operations"`
}

// Metrics summarizes what a delta transfers versus what it reuses.
type Metrics struct {
	ChunksTotal      int     `json:"chunks_total"`
	ChunksCopied     int     `json:"chunks_copied"`
	ChunksInserted   int     `json:"chunks_inserted"`
	BytesTransferred int64   `json:"bytes_transferred"`
	BytesSaved       int64   `json:"bytes_saved"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// Engine computes signatures and deltas with a fixed chunk size.
type Engine struct {
	chunkSize int
}

// NewEngine creates a delta engine. Non-positive sizes fall back to
// DefaultChunkSize.
func NewEngine(chunkSize int) *Engine {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Engine{chunkSize: chunkSize}
}

// ChunkSize returns the engine's fixed chunk size.
func (e *Engine) ChunkSize() int { return e.chunkSize }

// Signature splits content at fixed offsets and hashes each chunk.
// Empty content yields an empty signature.
func (e *Engine) Signature(content []byte) []ChunkSignature {
	if len(content) == 0 {
		return nil
	}

	n := (len(content) + e.chunkSize - 1) / e.chunkSize
	sigs := make([]ChunkSignature, 0, n)
	for i := 0; i < n; i++ {
		start := i * e.chunkSize
		end := start + e.chunkSize
		if end > len(content) {
			end = len(content)
		}
		sigs = append(sigs, ChunkSignature{
			Index:  i,
			Offset: int64(start),
			Size:   end - start,
			Hash:   chunk.Sum(content[start:end]),
		})
	}
	return sigs
}

// SignatureDigest collapses a signature into a single hash used to
// name the base a delta was computed against.
func SignatureDigest(sig []ChunkSignature) chunk.Hash {
	h := sha256.New()
	for _, s := range sig {
		h.Write(s.Hash[:])
	}
	var out chunk.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Build computes the delta turning content matching base into
// newContent. Chunks whose hashes appear in base become copy ops
// (first occurrence wins); consecutive copies of contiguous base
// chunks merge into one span. Everything else is an insert carrying
// the chunk bytes.
func (e *Engine) Build(base []ChunkSignature, newContent []byte) Delta {
	d := Delta{
		BaseDigest: SignatureDigest(base),
		TargetHash: chunk.Sum(newContent),
		TargetSize: int64(len(newContent)),
	}

	baseIndex := make(map[chunk.Hash]int, len(base))
	for _, s := range base {
		if _, ok := baseIndex[s.Hash]; !ok {
			baseIndex[s.Hash] = s.Index
		}
	}

	for _, s := range e.Signature(newContent) {
		if from, ok := baseIndex[s.Hash]; ok {
			// Extend the previous copy span when contiguous.
			if n := len(d.Ops); n > 0 && d.Ops[n-1].Kind == OpCopy &&
				d.Ops[n-1].From+d.Ops[n-1].Count == from {
				d.Ops[n-1].Count++
				d.Ops[n-1].Size += int64(s.Size)
				continue
			}
			d.Ops = append(d.Ops, Op{Kind: OpCopy, From: from, Count: 1, Size: int64(s.Size)})
			continue
		}
		data := make([]byte, s.Size)
		copy(data, newContent[s.Offset:s.Offset+int64(s.Size)])
		d.Ops = append(d.Ops, Op{Kind: OpInsert, Hash: s.Hash, Data: data, Size: int64(s.Size)})
	}
	return d
}

// StripKnown returns a copy of the delta with insert bytes removed for
// every chunk the receiver is known to hold. The receiver resolves
// stripped inserts from its own chunk store on apply.
func (d Delta) StripKnown(has func(chunk.Hash) bool) Delta {
	out := d
	out.Ops = make([]Op, len(d.Ops))
	copy(out.Ops, d.Ops)
	for i := range out.Ops {
		if out.Ops[i].Kind == OpInsert && has(out.Ops[i].Hash) {
			out.Ops[i].Data = nil
		}
	}
	return out
}

// Apply reconstructs the new content from base content and a delta.
// Insert ops without bytes are resolved through fetch; a nil fetch
// makes such ops fail with MissingChunk. The result is verified
// against the delta's declared size and target hash; a mismatch is a
// DeltaIntegrity error.
func (e *Engine) Apply(base []byte, d Delta, fetch func(chunk.Hash) ([]byte, error)) ([]byte, error) {
	out := make([]byte, 0, d.TargetSize)

	for _, op := range d.Ops {
		switch op.Kind {
		case OpCopy:
			for i := 0; i < op.Count; i++ {
				idx := op.From + i
				start := idx * e.chunkSize
				end := start + e.chunkSize
				if start >= len(base) {
					return nil, errs.New(errs.DeltaIntegrity, "delta.Apply",
						"copy references base chunk %d beyond base size %d", idx, len(base))
				}
				if end > len(base) {
					end = len(base)
				}
				out = append(out, base[start:end]...)
			}
		case OpInsert:
			data := op.Data
			if data == nil {
				if fetch == nil {
					return nil, errs.New(errs.MissingChunk, "delta.Apply",
						"insert for chunk %s carries no bytes", op.Hash)
				}
				fetched, err := fetch(op.Hash)
				if err != nil {
					return nil, errs.Wrap(errs.MissingChunk, "delta.Apply", err)
				}
				data = fetched
			}
			if got := chunk.Sum(data); got != op.Hash {
				return nil, errs.New(errs.DeltaIntegrity, "delta.Apply",
					"insert bytes hash to %s, declared %s", got, op.Hash)
			}
			out = append(out, data...)
		default:
			return nil, errs.New(errs.InvalidRequest, "delta.Apply", "unknown op kind %q", op.Kind)
		}
	}

	if int64(len(out)) != d.TargetSize {
		return nil, errs.New(errs.DeltaIntegrity, "delta.Apply",
			"reconstructed %d bytes, declared %d", len(out), d.TargetSize)
	}
	if got := chunk.Sum(out); got != d.TargetHash {
		return nil, errs.New(errs.DeltaIntegrity, "delta.Apply",
			"reconstructed content hashes to %s, declared %s", got, d.TargetHash)
	}
	return out, nil
}

// ComputeMetrics summarizes a delta's transfer efficiency.
// CompressionRatio is bytes saved over total bytes; an empty delta
// reports zero.
func ComputeMetrics(d Delta) Metrics {
	var m Metrics
	for _, op := range d.Ops {
		switch op.Kind {
		case OpCopy:
			m.ChunksCopied += op.Count
			m.BytesSaved += op.Size
		case OpInsert:
			m.ChunksInserted++
			m.BytesTransferred += op.Size
		}
	}
	m.ChunksTotal = m.ChunksCopied + m.ChunksInserted
	if total := m.BytesSaved + m.BytesTransferred; total > 0 {
		m.CompressionRatio = float64(m.BytesSaved) / float64(total)
	}
	return m
}
