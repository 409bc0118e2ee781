package webrepl

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRecordPut(t *testing.T) {
	t.Parallel()

	rec, err := EncodeRecord(OpPut, 2500, "x.py")
	require.NoError(t, err)
	require.Len(t, rec, RecordSize)

	assert.Equal(t, []byte("WA"), rec[0:2])
	assert.Equal(t, OpPut, rec[2])
	assert.Equal(t, make([]byte, 9), rec[3:12])
	assert.Equal(t, []byte{0xC4, 0x09, 0x00, 0x00}, rec[12:16])
	assert.Equal(t, []byte{0x04, 0x00}, rec[16:18])
	assert.Equal(t, []byte("x.py"), rec[18:22])
	assert.Equal(t, make([]byte, 60), rec[22:])
}

func TestEncodeRecordNameLimit(t *testing.T) {
	t.Parallel()

	_, err := EncodeRecord(OpGet, 0, string(bytes.Repeat([]byte("a"), 64)))
	require.NoError(t, err)

	_, err = EncodeRecord(OpGet, 0, string(bytes.Repeat([]byte("a"), 65)))
	require.ErrorIs(t, err, ErrNameTooLong)
}

func TestDecodeRecord(t *testing.T) {
	t.Parallel()

	rec, err := EncodeRecord(OpGet, 0, "lib/y.py")
	require.NoError(t, err)

	op, size, name, err := DecodeRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, OpGet, op)
	assert.Zero(t, size)
	assert.Equal(t, "lib/y.py", name)

	_, _, _, err = DecodeRecord(rec[:80])
	require.ErrorIs(t, err, ErrFraming)

	bad := append([]byte{}, rec...)
	bad[1] = 'X'
	_, _, _, err = DecodeRecord(bad)
	require.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestStatusFrames(t *testing.T) {
	t.Parallel()

	code, ok := decodeStatus(EncodeStatus(0))
	assert.True(t, ok)
	assert.Zero(t, code)

	code, ok = decodeStatus([]byte{'W', 'B', 0x01, 0x00})
	assert.True(t, ok)
	assert.Equal(t, uint16(1), code)

	_, ok = decodeStatus([]byte("WX\x00\x00"))
	assert.False(t, ok)
	_, ok = decodeStatus([]byte("WB"))
	assert.False(t, ok)
}

func TestDecodeChunk(t *testing.T) {
	t.Parallel()

	payload, err := decodeChunk(EncodeChunk([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)

	payload, err = decodeChunk(EncodeChunk(nil))
	require.NoError(t, err)
	assert.Empty(t, payload)

	_, err = decodeChunk([]byte{0x05, 0x00, 'h', 'i'})
	require.ErrorIs(t, err, ErrFraming)

	_, err = decodeChunk([]byte{0x01})
	require.ErrorIs(t, err, ErrFraming)
}
