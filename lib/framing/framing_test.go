package framing

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := map[string]any{"type": "hello", "profileId": "default"}
	require.NoError(t, WriteFrame(&buf, in))

	// 4-byte LE prefix, then exactly the JSON body.
	raw := buf.Bytes()
	require.GreaterOrEqual(t, len(raw), 4)
	n := binary.LittleEndian.Uint32(raw[:4])
	assert.Equal(t, int(n), len(raw)-4)

	var out map[string]any
	require.NoError(t, ReadFrame(&buf, &out))
	assert.Equal(t, "hello", out["type"])
	assert.Equal(t, "default", out["profileId"])
}

func TestReadRaw_RejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	_, err := ReadRaw(&buf)
	var invalid *ErrInvalidLength
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, uint32(0), invalid.Length)
}

func TestReadRaw_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], MaxFrameLen+1)
	buf.Write(header[:])
	_, err := ReadRaw(&buf)
	var invalid *ErrInvalidLength
	require.ErrorAs(t, err, &invalid)
}

func TestReadRaw_AcceptsMaxLength(t *testing.T) {
	// Only validate the header path; do not allocate 8MB of JSON.
	var buf bytes.Buffer
	body := bytes.Repeat([]byte{'x'}, 16)
	require.NoError(t, WriteRaw(&buf, body))
	got, err := ReadRaw(&buf)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestWriteRaw_RejectsEmpty(t *testing.T) {
	var buf bytes.Buffer
	err := WriteRaw(&buf, nil)
	var invalid *ErrInvalidLength
	require.ErrorAs(t, err, &invalid)
}

func TestReadFrame_TruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], 100)
	buf.Write(header[:])
	buf.WriteString("{\"short\":true}")
	var v map[string]any
	err := ReadFrame(&buf, &v)
	require.Error(t, err)
}
