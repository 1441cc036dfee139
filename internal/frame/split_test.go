package frame

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSingleFrame(t *testing.T) {
	in := []byte{0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 0xaa, 0xbb}
	frames, rest, err := Split(in)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, in, frames[0])
	assert.Empty(t, rest)
}

func TestSplitStopsOnShortPrefix(t *testing.T) {
	in := []byte{0x01, 0x00, 0x02, 0x00, 0x00}
	frames, rest, err := Split(in)
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, in, rest)
}

func TestSplitStopsOnShortPayload(t *testing.T) {
	full := Encode(7, []byte("hello"))
	in := append(Encode(1, nil), full[:len(full)-1]...)
	frames, rest, err := Split(in)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, Encode(1, nil), frames[0])
	assert.Equal(t, full[:len(full)-1], rest)
}

func TestSplitMultipleFramesWithTail(t *testing.T) {
	a := Encode(0x0011, []byte("abc"))
	b := Encode(0x0022, bytes.Repeat([]byte{0xfe}, 300))
	tail := []byte{0x33, 0x00, 0x10}
	in := bytes.Join([][]byte{a, b, tail}, nil)

	frames, rest, err := Split(in)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b, frames[1])
	assert.Equal(t, tail, rest)
}

func TestSplitLimitReportsParseError(t *testing.T) {
	ok := Encode(1, []byte{1, 2})
	big := Encode(2, bytes.Repeat([]byte{9}, 64))
	in := append(append([]byte{}, ok...), big...)

	frames, rest, err := SplitLimit(in, 16)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, len(ok), pe.Offset)
	assert.Equal(t, uint64(64), pe.Length)
	require.Len(t, frames, 1)
	assert.Equal(t, big, rest)
}

func TestSplitConcatenationProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		in := randomStream(rng)
		frames, rest, err := Split(in)
		require.NoError(t, err)
		assert.Equal(t, in, append(Join(frames), rest...))

		again, rest2, err := Split(rest)
		require.NoError(t, err)
		assert.Empty(t, again)
		assert.Equal(t, rest, rest2)
	}
}

func TestParse(t *testing.T) {
	f := Encode(0x1234, []byte("xyz"))
	h, payload, err := Parse(f)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), h.Opcode)
	assert.Equal(t, uint32(3), h.Length)
	assert.Equal(t, []byte("xyz"), payload)

	_, _, err = Parse(f[:4])
	assert.Error(t, err)
	_, _, err = Parse(f[:len(f)-1])
	assert.Error(t, err)
}

// randomStream returns a run of valid frames, optionally cut at a random point.
func randomStream(rng *rand.Rand) []byte {
	out := []byte{}
	for n := rng.Intn(6); n > 0; n-- {
		payload := make([]byte, rng.Intn(40))
		rng.Read(payload)
		out = append(out, Encode(uint16(rng.Intn(1<<16)), payload)...)
	}
	if len(out) > 0 && rng.Intn(2) == 0 {
		out = out[:rng.Intn(len(out))]
	}
	return out
}
