package backend

import (
	"encoding/binary"
	"math"
)

// Round-robin layouts are made of fixed-width big-endian words. These helpers
// read and write them through any Backend.

const (
	// IntSize is the width of a stored int32.
	IntSize = 4
	// LongSize is the width of a stored int64.
	LongSize = 8
	// DoubleSize is the width of a stored float64.
	DoubleSize = 8
)

// ReadInt reads a big-endian int32 at offset.
func ReadInt(b Backend, offset int64) (int32, error) {
	p, err := b.Read(offset, IntSize)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(p)), nil //nolint:gosec // two's complement reinterpretation
}

// WriteInt writes v as a big-endian int32 at offset.
func WriteInt(b Backend, offset int64, v int32) error {
	var p [IntSize]byte
	binary.BigEndian.PutUint32(p[:], uint32(v)) //nolint:gosec // two's complement reinterpretation
	return b.Write(offset, p[:])
}

// ReadLong reads a big-endian int64 at offset.
func ReadLong(b Backend, offset int64) (int64, error) {
	p, err := b.Read(offset, LongSize)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(p)), nil //nolint:gosec // two's complement reinterpretation
}

// WriteLong writes v as a big-endian int64 at offset.
func WriteLong(b Backend, offset int64, v int64) error {
	var p [LongSize]byte
	binary.BigEndian.PutUint64(p[:], uint64(v)) //nolint:gosec // two's complement reinterpretation
	return b.Write(offset, p[:])
}

// ReadDouble reads a big-endian IEEE 754 float64 at offset.
func ReadDouble(b Backend, offset int64) (float64, error) {
	p, err := b.Read(offset, DoubleSize)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(p)), nil
}

// WriteDouble writes v as a big-endian IEEE 754 float64 at offset.
func WriteDouble(b Backend, offset int64, v float64) error {
	var p [DoubleSize]byte
	binary.BigEndian.PutUint64(p[:], math.Float64bits(v))
	return b.Write(offset, p[:])
}

// ReadDoubles reads count consecutive float64 values starting at offset
// in a single backend read.
func ReadDoubles(b Backend, offset int64, count int) ([]float64, error) {
	p, err := b.Read(offset, count*DoubleSize)
	if err != nil {
		return nil, err
	}
	out := make([]float64, count)
	for i := range out {
		out[i] = math.Float64frombits(binary.BigEndian.Uint64(p[i*DoubleSize:]))
	}
	return out, nil
}

// WriteDoubles writes vs as consecutive float64 values starting at offset
// in a single backend write.
func WriteDoubles(b Backend, offset int64, vs []float64) error {
	p := make([]byte, len(vs)*DoubleSize)
	for i, v := range vs {
		binary.BigEndian.PutUint64(p[i*DoubleSize:], math.Float64bits(v))
	}
	return b.Write(offset, p)
}
