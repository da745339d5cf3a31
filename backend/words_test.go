package backend

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWords_RoundTrip(t *testing.T) {
	b := NewBuffer("db1", nil)
	require.NoError(t, b.SetLength(IntSize+LongSize+DoubleSize))

	require.NoError(t, WriteInt(b, 0, -7))
	require.NoError(t, WriteLong(b, IntSize, 1_700_000_000))
	require.NoError(t, WriteDouble(b, IntSize+LongSize, math.NaN()))

	i, err := ReadInt(b, 0)
	require.NoError(t, err)
	require.EqualValues(t, -7, i)

	l, err := ReadLong(b, IntSize)
	require.NoError(t, err)
	require.EqualValues(t, 1_700_000_000, l)

	d, err := ReadDouble(b, IntSize+LongSize)
	require.NoError(t, err)
	require.True(t, math.IsNaN(d))
}

func TestWords_BigEndian(t *testing.T) {
	b := NewBuffer("db1", nil)
	require.NoError(t, WriteInt(b, 0, 0x01020304))
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, b.Bytes())
}

func TestWords_Doubles(t *testing.T) {
	b := NewBuffer("db1", nil)
	vs := []float64{1.5, -2.25, math.Inf(1), 0}

	require.NoError(t, WriteDoubles(b, 0, vs))
	n, err := b.Length()
	require.NoError(t, err)
	require.EqualValues(t, len(vs)*DoubleSize, n)

	got, err := ReadDoubles(b, 0, len(vs))
	require.NoError(t, err)
	require.Equal(t, vs, got)

	_, err = ReadDoubles(b, DoubleSize, len(vs))
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestWords_ReadOnly(t *testing.T) {
	v := ReadOnlyView(NewBuffer("db1", make([]byte, 8)))
	require.ErrorIs(t, WriteLong(v, 0, 1), ErrReadOnly)
}
