// Package offload implements the cold on-disk form of an index: a binary
// vectors file, a JSON documents sidecar, and a JSON metadata descriptor,
// plus the directory store that manages triples of them.
package offload

import (
	"encoding/binary"
	"io"

	"github.com/annexdb/annex/internal/errors"
	"github.com/annexdb/annex/internal/sandbox"
)

// FormatBinaryV1 marks descriptors whose vectors live in a .vectors.bin file.
// Descriptors without it are the legacy all-in-one JSON form.
const FormatBinaryV1 = "binary_v1"

// maxIDLen bounds the id length accepted by the reader so a corrupt file
// cannot trigger an unbounded allocation.
const maxIDLen = 1 << 16

// WriteVectors encodes document vectors in the binary_v1 layout:
//
//	u32  docCount
//	u32  dimension
//	repeat docCount times:
//	    u32      idLen
//	    byte[]   id (UTF-8)
//	    f32[dim] vector
//
// All integers and floats are little-endian. Documents without a vector, or
// whose vector length disagrees with dimension, are skipped; the count of
// documents actually written is returned.
func WriteVectors(w io.Writer, docs []sandbox.Document, dimension int) (int, error) {
	included := make([]sandbox.Document, 0, len(docs))
	for _, doc := range docs {
		if len(doc.Vector) == dimension && dimension > 0 {
			included = append(included, doc)
		}
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(included))); err != nil {
		return 0, errors.Wrap(errors.ErrCodeIOFailed, err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(dimension)); err != nil {
		return 0, errors.Wrap(errors.ErrCodeIOFailed, err)
	}

	for _, doc := range included {
		idBytes := []byte(doc.ID)
		if err := binary.Write(w, binary.LittleEndian, uint32(len(idBytes))); err != nil {
			return 0, errors.Wrap(errors.ErrCodeIOFailed, err)
		}
		if _, err := w.Write(idBytes); err != nil {
			return 0, errors.Wrap(errors.ErrCodeIOFailed, err)
		}
		if err := binary.Write(w, binary.LittleEndian, doc.Vector); err != nil {
			return 0, errors.Wrap(errors.ErrCodeIOFailed, err)
		}
	}
	return len(included), nil
}

// ReadVectors decodes a binary_v1 vectors stream into an id to vector map.
// Float bit patterns are preserved exactly.
func ReadVectors(r io.Reader) (map[string][]float32, error) {
	var count, dimension uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOFailed, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &dimension); err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOFailed, err)
	}

	vectors := make(map[string][]float32, count)
	for i := uint32(0); i < count; i++ {
		var idLen uint32
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return nil, errors.Wrap(errors.ErrCodeIOFailed, err)
		}
		if idLen > maxIDLen {
			return nil, errors.Newf(errors.ErrCodeIOFailed,
				"corrupt vectors stream: id length %d exceeds limit", idLen)
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return nil, errors.Wrap(errors.ErrCodeIOFailed, err)
		}
		vec := make([]float32, dimension)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return nil, errors.Wrap(errors.ErrCodeIOFailed, err)
		}
		vectors[string(idBytes)] = vec
	}
	return vectors, nil
}
