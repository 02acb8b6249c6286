// Package chunker turns a byte stream into fixed-size, content-hashed chunks
// and verifies them back into the original stream.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
)

// DefaultChunkSize is the nominal 64 MiB chunk.
const DefaultChunkSize = 64 << 20

// ErrEmptyInput is returned when a split produces zero chunks.
var ErrEmptyInput = errors.New("chunker: empty input produces no chunks")

// IntegrityError means a block's bytes do not hash to its recorded value.
type IntegrityError struct {
	Index int
	Want  string
	Got   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chunker: chunk %d hash mismatch: want %s, got %s", e.Index, e.Want, e.Got)
}

// SequenceGapError means block indices are not exactly 0..N-1.
type SequenceGapError struct {
	Want int
	Got  int
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("chunker: sequence gap: expected index %d, found %d", e.Want, e.Got)
}

// Chunk is one piece produced by Split.
type Chunk struct {
	Index int
	Data  []byte
	Size  int
	Hash  string
}

// Block is a chunk handed back for reassembly with the hash it was recorded under.
type Block struct {
	Index int
	Data  []byte
	Hash  string
}

// Hash returns the hex sha256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Each reads r in chunkSize pieces and calls fn for every chunk in order.
// The buffer passed in Chunk.Data is owned by fn.
func Each(r io.Reader, chunkSize int, fn func(Chunk) error) (int, error) {
	if chunkSize <= 0 {
		return 0, fmt.Errorf("chunker: invalid chunk size %d", chunkSize)
	}
	count := 0
	for {
		buf := make([]byte, chunkSize)
		n, err := io.ReadFull(r, buf)
		final := false
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if count == 0 {
				return 0, ErrEmptyInput
			}
			return count, nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			final = true
		default:
			return count, fmt.Errorf("chunker: read chunk %d: %w", count, err)
		}

		data := buf[:n]
		if final {
			data = append([]byte(nil), data...)
		}
		if err := fn(Chunk{Index: count, Data: data, Size: n, Hash: Hash(data)}); err != nil {
			return count, err
		}
		count++
		if final {
			return count, nil
		}
	}
}

// Split collects every chunk of r in memory.
func Split(r io.Reader, chunkSize int) ([]Chunk, error) {
	var chunks []Chunk
	_, err := Each(r, chunkSize, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// Verify checks one block against its recorded hash.
func Verify(b Block) error {
	if got := Hash(b.Data); got != b.Hash {
		return &IntegrityError{Index: b.Index, Want: b.Hash, Got: got}
	}
	return nil
}

// Reassemble writes blocks to w in ascending index order. Nothing is
// written unless every block verifies and indices run 0..N-1.
func Reassemble(w io.Writer, blocks []Block) error {
	sorted := make([]Block, len(blocks))
	copy(sorted, blocks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	for i, b := range sorted {
		if b.Index != i {
			return &SequenceGapError{Want: i, Got: b.Index}
		}
		if err := Verify(b); err != nil {
			return err
		}
	}
	for _, b := range sorted {
		if _, err := w.Write(b.Data); err != nil {
			return fmt.Errorf("chunker: write chunk %d: %w", b.Index, err)
		}
	}
	return nil
}
