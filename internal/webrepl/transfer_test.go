package webrepl

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// putResponder acks the record and sends finalStatus once size bytes
// have arrived.
func putResponder(ackStatus, finalStatus uint16, chunks *[]int) func(w message) []message {
	var mu sync.Mutex
	want, got := 0, 0
	return func(w message) []message {
		if !w.binary {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if len(w.data) == RecordSize && bytes.HasPrefix(w.data, []byte("WA")) {
			_, size, _, err := DecodeRecord(w.data)
			if err != nil {
				return nil
			}
			want = int(size)
			return []message{binaryMsg(EncodeStatus(ackStatus))}
		}
		*chunks = append(*chunks, len(w.data))
		got += len(w.data)
		if got == want {
			return []message{binaryMsg(EncodeStatus(finalStatus))}
		}
		return nil
	}
}

// getResponder serves chunks one per continue byte, then the final status.
func getResponder(ackStatus uint16, chunks [][]byte, finalStatus uint16) func(w message) []message {
	var mu sync.Mutex
	next := 0
	return func(w message) []message {
		if !w.binary {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if len(w.data) == RecordSize {
			return []message{binaryMsg(EncodeStatus(ackStatus))}
		}
		if next >= len(chunks) {
			return nil
		}
		frame := chunks[next]
		next++
		if next == len(chunks) {
			return []message{binaryMsg(frame), binaryMsg(EncodeStatus(finalStatus))}
		}
		return []message{binaryMsg(frame)}
	}
}

func recordProgress() (Progress, func() []int) {
	var mu sync.Mutex
	var calls []int
	return func(n int) {
			mu.Lock()
			calls = append(calls, n)
			mu.Unlock()
		}, func() []int {
			mu.Lock()
			defer mu.Unlock()
			return append([]int(nil), calls...)
		}
}

func TestPutFile(t *testing.T) {
	t.Parallel()

	s, ft := openSession(t, newFakeREPL())
	var chunks []int
	ft.setResponder(putResponder(0, 0, &chunks))

	data := bytes.Repeat([]byte{0xAB}, 2500)
	progress, calls := recordProgress()
	require.NoError(t, s.PutFile(testContext(t), "x.py", data, progress))

	assert.Equal(t, []int{1024, 1024, 452}, chunks)
	assert.Equal(t, []int{1024, 2048, 2500, 2500}, calls())

	writes := ft.takeWrites()
	require.Len(t, writes, 4)
	assert.Equal(t, []byte{0xC4, 0x09, 0x00, 0x00}, writes[0].data[12:16])
	assert.Equal(t, []byte{0x04, 0x00}, writes[0].data[16:18])
	assert.Equal(t, data, bytes.Join([][]byte{writes[1].data, writes[2].data, writes[3].data}, nil))
	assert.Equal(t, PhaseIdle, s.Phase())
}

func TestPutFileEmpty(t *testing.T) {
	t.Parallel()

	s, ft := openSession(t, newFakeREPL())
	ft.setResponder(func(w message) []message {
		return []message{binaryMsg(EncodeStatus(0)), binaryMsg(EncodeStatus(0))}
	})

	progress, calls := recordProgress()
	require.NoError(t, s.PutFile(testContext(t), "empty.txt", nil, progress))
	assert.Equal(t, []int{0}, calls())
}

func TestPutFileFailures(t *testing.T) {
	t.Parallel()

	t.Run("final status", func(t *testing.T) {
		t.Parallel()
		s, ft := openSession(t, newFakeREPL())
		var chunks []int
		ft.setResponder(putResponder(0, 1, &chunks))

		err := s.PutFile(testContext(t), "x.py", []byte("print(1)"), nil)
		require.ErrorIs(t, err, ErrSendFailed)
		assert.Contains(t, err.Error(), "send failed")
	})

	t.Run("initial status", func(t *testing.T) {
		t.Parallel()
		s, ft := openSession(t, newFakeREPL())
		var chunks []int
		ft.setResponder(putResponder(2, 0, &chunks))

		err := s.PutFile(testContext(t), "x.py", []byte("print(1)"), nil)
		require.ErrorIs(t, err, ErrSendFailed)
		assert.Empty(t, chunks)
	})

	t.Run("bad magic", func(t *testing.T) {
		t.Parallel()
		s, ft := openSession(t, newFakeREPL())
		ft.setResponder(func(w message) []message {
			return []message{binaryMsg([]byte("XX\x00\x00"))}
		})

		err := s.PutFile(testContext(t), "x.py", []byte("print(1)"), nil)
		require.ErrorIs(t, err, ErrUnexpectedResponse)
	})

	t.Run("name too long", func(t *testing.T) {
		t.Parallel()
		s, ft := openSession(t, newFakeREPL())

		err := s.PutFile(testContext(t), strings.Repeat("n", 65), []byte("x"), nil)
		require.ErrorIs(t, err, ErrNameTooLong)
		assert.Empty(t, ft.takeWrites())
	})
}

func TestGetFile(t *testing.T) {
	t.Parallel()

	s, ft := openSession(t, newFakeREPL())
	first := bytes.Repeat([]byte{'a'}, 1024)
	second := bytes.Repeat([]byte{'b'}, 1024)
	ft.setResponder(getResponder(0, [][]byte{EncodeChunk(first), EncodeChunk(second), EncodeChunk(nil)}, 0))

	progress, calls := recordProgress()
	data, err := s.GetFile(testContext(t), "y.py", progress)
	require.NoError(t, err)
	assert.Len(t, data, 2048)
	assert.Equal(t, append(append([]byte{}, first...), second...), data)
	assert.Equal(t, []int{1024, 2048, 2048}, calls())

	writes := ft.takeWrites()
	require.Len(t, writes, 4)
	op, size, name, err := DecodeRecord(writes[0].data)
	require.NoError(t, err)
	assert.Equal(t, OpGet, op)
	assert.Zero(t, size)
	assert.Equal(t, "y.py", name)
	for _, w := range writes[1:] {
		assert.Equal(t, []byte{0x00}, w.data)
	}
}

func TestGetFileFailures(t *testing.T) {
	t.Parallel()

	t.Run("final status", func(t *testing.T) {
		t.Parallel()
		s, ft := openSession(t, newFakeREPL())
		ft.setResponder(getResponder(0, [][]byte{EncodeChunk([]byte("abc")), EncodeChunk(nil)}, 1))

		_, err := s.GetFile(testContext(t), "y.py", nil)
		require.ErrorIs(t, err, ErrReceiveFailed)
		assert.Contains(t, err.Error(), "receive file failed")
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		s, ft := openSession(t, newFakeREPL())
		ft.setResponder(getResponder(1, nil, 0))

		_, err := s.GetFile(testContext(t), "nope.py", nil)
		require.ErrorIs(t, err, ErrReceiveFailed)
	})

	t.Run("framing", func(t *testing.T) {
		t.Parallel()
		s, ft := openSession(t, newFakeREPL())
		ft.setResponder(getResponder(0, [][]byte{{0x10, 0x00, 'a', 'b'}}, 0))

		_, err := s.GetFile(testContext(t), "y.py", nil)
		require.ErrorIs(t, err, ErrFraming)
	})
}

func TestVersion(t *testing.T) {
	t.Parallel()

	s, ft := openSession(t, newFakeREPL())
	ft.setResponder(func(w message) []message {
		return []message{binaryMsg([]byte{1, 22, 2})}
	})

	v, err := s.Version(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, [3]byte{1, 22, 2}, v)

	ft.setResponder(func(w message) []message {
		return []message{binaryMsg([]byte("WB\x00\x00"))}
	})
	_, err = s.Version(testContext(t))
	require.ErrorIs(t, err, ErrFraming)
}

func TestTransferThenExecute(t *testing.T) {
	t.Parallel()

	dev := newFakeREPL()
	dev.output["print(3)"] = []string{"3"}
	s, ft := openSession(t, dev)

	var chunks []int
	ft.setResponder(putResponder(0, 0, &chunks))
	require.NoError(t, s.PutFile(testContext(t), "x.py", []byte("print(3)"), nil))

	ft.setResponder(dev.respond)
	out, err := s.ExecuteCode(testContext(t), "print(3)")
	require.NoError(t, err)
	assert.Equal(t, "3", out)
}
