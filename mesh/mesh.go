/*
Package mesh decodes the legacy binary mesh fragment format served by DVID
key-value instances and merges multiple fragments into one vertex/index
buffer pair.

The wire format is a little-endian uint32 vertex count, followed by that
many (x,y,z) float32 triples, followed by a stream of uint32 triangle
indices whose length must be a multiple of three.
*/
package mesh

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	headerSize = 4  // uint32 vertex count
	vertexSize = 12 // three float32 coordinates
	indexSize  = 4  // uint32 into the vertex list
)

// DecodeError means a fragment payload was truncated or inconsistent.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "bad mesh fragment: " + e.Reason
}

func decodeErrorf(format string, args ...interface{}) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// Geometry is a triangle mesh: packed (x,y,z) vertex positions plus a flat
// triangle index stream referencing them.  Each decode or merge produces a
// fresh Geometry owned by the caller.
type Geometry struct {
	Vertices []float32
	Indices  []uint32
}

// VertexCount returns the number of (x,y,z) positions.
func (g *Geometry) VertexCount() int {
	return len(g.Vertices) / 3
}

// TriangleCount returns the number of triangles in the index stream.
func (g *Geometry) TriangleCount() int {
	return len(g.Indices) / 3
}

// Decode parses one fragment payload.
func Decode(b []byte) (*Geometry, error) {
	if len(b) < headerSize {
		return nil, decodeErrorf("payload of %d bytes is smaller than header", len(b))
	}
	numVertices := binary.LittleEndian.Uint32(b)
	vertexBytes := uint64(numVertices) * vertexSize
	if uint64(len(b)-headerSize) < vertexBytes {
		return nil, decodeErrorf("header claims %d vertices but only %d bytes follow", numVertices, len(b)-headerSize)
	}
	vertices := make([]float32, 3*numVertices)
	pos := headerSize
	for i := range vertices {
		vertices[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[pos:]))
		pos += 4
	}

	indexData := b[pos:]
	if len(indexData)%indexSize != 0 {
		return nil, decodeErrorf("index stream of %d bytes is not 32-bit aligned", len(indexData))
	}
	numIndices := len(indexData) / indexSize
	if numIndices%3 != 0 {
		return nil, decodeErrorf("%d indices do not form whole triangles", numIndices)
	}
	indices := make([]uint32, numIndices)
	for i := range indices {
		indices[i] = binary.LittleEndian.Uint32(indexData[i*indexSize:])
		if indices[i] >= numVertices {
			return nil, decodeErrorf("index %d out of range for %d vertices", indices[i], numVertices)
		}
	}
	return &Geometry{Vertices: vertices, Indices: indices}, nil
}

// Merge concatenates geometries in the given order, offsetting each one's
// indices by the running vertex total so they reference the combined vertex
// buffer.  Coincident vertices across inputs are not deduplicated.
func Merge(geoms []*Geometry) *Geometry {
	var numVertices, numIndices int
	for _, g := range geoms {
		numVertices += len(g.Vertices)
		numIndices += len(g.Indices)
	}
	merged := &Geometry{
		Vertices: make([]float32, 0, numVertices),
		Indices:  make([]uint32, 0, numIndices),
	}
	var offset uint32
	for _, g := range geoms {
		merged.Vertices = append(merged.Vertices, g.Vertices...)
		for _, idx := range g.Indices {
			merged.Indices = append(merged.Indices, idx+offset)
		}
		offset += uint32(g.VertexCount())
	}
	return merged
}

// DecodeMerged decodes each fragment payload and merges them in order.  Any
// malformed payload fails the whole decode.
func DecodeMerged(leaves [][]byte) (*Geometry, error) {
	geoms := make([]*Geometry, len(leaves))
	for i, leaf := range leaves {
		g, err := Decode(leaf)
		if err != nil {
			return nil, err
		}
		geoms[i] = g
	}
	return Merge(geoms), nil
}

// Encode serializes a geometry back into the fragment wire format.
func Encode(g *Geometry) []byte {
	out := make([]byte, headerSize+4*len(g.Vertices)+indexSize*len(g.Indices))
	binary.LittleEndian.PutUint32(out, uint32(g.VertexCount()))
	pos := headerSize
	for _, v := range g.Vertices {
		binary.LittleEndian.PutUint32(out[pos:], math.Float32bits(v))
		pos += 4
	}
	for _, idx := range g.Indices {
		binary.LittleEndian.PutUint32(out[pos:], idx)
		pos += indexSize
	}
	return out
}

// WriteOBJ writes the geometry in Wavefront OBJ format.  OBJ face indices
// are 1-based.
func (g *Geometry) WriteOBJ(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i := 0; i+2 < len(g.Vertices); i += 3 {
		if _, err := fmt.Fprintf(bw, "v %g %g %g\n", g.Vertices[i], g.Vertices[i+1], g.Vertices[i+2]); err != nil {
			return err
		}
	}
	for i := 0; i+2 < len(g.Indices); i += 3 {
		if _, err := fmt.Fprintf(bw, "f %d %d %d\n", g.Indices[i]+1, g.Indices[i+1]+1, g.Indices[i+2]+1); err != nil {
			return err
		}
	}
	return bw.Flush()
}
