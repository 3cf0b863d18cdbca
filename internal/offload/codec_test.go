package offload

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annexdb/annex/internal/sandbox"
)

func TestWriteVectors_ExactLayout(t *testing.T) {
	// Given: two docs with 3-dimensional vectors and single-byte ids
	docs := []sandbox.Document{
		{ID: "a", Vector: []float32{0.1, 0.2, 0.3}},
		{ID: "b", Vector: []float32{0.4, 0.5, 0.6}},
	}

	var buf bytes.Buffer
	written, err := WriteVectors(&buf, docs, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	// Then: 8 header bytes + 2 * (4 + 1 + 12) payload bytes
	assert.Equal(t, 42, buf.Len())

	// And: the header fields are little-endian u32s
	raw := buf.Bytes()
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(raw[0:4]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(raw[4:8]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(raw[8:12]))
	assert.Equal(t, byte('a'), raw[12])
}

func TestCodec_RoundTripBitExact(t *testing.T) {
	docs := []sandbox.Document{
		{ID: "pi", Vector: []float32{math.Pi, -math.E, 1e-38}},
		{ID: "edge", Vector: []float32{math.MaxFloat32, math.SmallestNonzeroFloat32, -0.0}},
		{ID: "ns:doc-1", Vector: []float32{0.25, -7.5, 42}},
	}

	var buf bytes.Buffer
	written, err := WriteVectors(&buf, docs, 3)
	require.NoError(t, err)
	require.Equal(t, len(docs), written)

	vectors, err := ReadVectors(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, vectors, len(docs))

	for _, doc := range docs {
		got, ok := vectors[doc.ID]
		require.True(t, ok, "missing id %q", doc.ID)
		require.Len(t, got, len(doc.Vector))
		for i := range doc.Vector {
			assert.Equal(t, math.Float32bits(doc.Vector[i]), math.Float32bits(got[i]),
				"id %q component %d", doc.ID, i)
		}
	}
}

func TestWriteVectors_SkipsDocsWithoutMatchingVector(t *testing.T) {
	docs := []sandbox.Document{
		{ID: "good", Vector: []float32{1, 2}},
		{ID: "no-vector", Text: "text only"},
		{ID: "wrong-dim", Vector: []float32{1, 2, 3}},
	}

	var buf bytes.Buffer
	written, err := WriteVectors(&buf, docs, 2)
	require.NoError(t, err)

	assert.Equal(t, 1, written, "only the matching vector is encoded")

	vectors, err := ReadVectors(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Contains(t, vectors, "good")
}

func TestReadVectors_TruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteVectors(&buf, []sandbox.Document{
		{ID: "a", Vector: []float32{1, 2, 3}},
	}, 3)
	require.NoError(t, err)

	_, err = ReadVectors(bytes.NewReader(buf.Bytes()[:buf.Len()-4]))
	require.Error(t, err)
}

func TestReadVectors_CorruptIDLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(1)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(3)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(1<<30)))

	_, err := ReadVectors(bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
}
