package device

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/devrepl/internal/emulator"
	"github.com/peterje/devrepl/internal/models"
	"github.com/peterje/devrepl/internal/transport"
	"github.com/peterje/devrepl/internal/webrepl"
)

const testPassword = "micro"

type memRecorder struct {
	mu        sync.Mutex
	execs     []models.ExecRecord
	transfers []models.TransferRecord
}

func (r *memRecorder) RecordExec(_ context.Context, rec models.ExecRecord) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, rec)
	return int64(len(r.execs)), nil
}

func (r *memRecorder) RecordTransfer(_ context.Context, rec models.TransferRecord) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers = append(r.transfers, rec)
	return int64(len(r.transfers)), nil
}

type testDevice struct {
	dev *emulator.Device
	url string
}

func startDevice(t *testing.T, fsys afero.Fs) *testDevice {
	t.Helper()
	dev := emulator.New(emulator.Config{Password: testPassword, Fs: fsys})
	srv := httptest.NewServer(emulator.NewServer(dev))
	t.Cleanup(func() {
		_ = dev.Close()
		srv.Close()
	})
	return &testDevice{dev: dev, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/"}
}

func dialer() DialFunc {
	d := &transport.Dialer{HandshakeTimeout: 5 * time.Second}
	return func(ctx context.Context, url string) (webrepl.Transport, error) {
		conn, err := d.Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithSessionOptions(webrepl.WithLogger(zerolog.Nop()))}, opts...)
	m := NewManager(dialer(), opts...)
	t.Cleanup(m.Disconnect)
	return m
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startLoop runs an endless loop on the device and waits until the
// session is waiting for its result.
func startLoop(t *testing.T, m *Manager) <-chan error {
	t.Helper()
	s, err := m.Session()
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.ExecuteCode(context.Background(), "while True: pass")
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return s.Phase() == webrepl.PhaseAwaitingResult
	}, 5*time.Second, 10*time.Millisecond)
	return errCh
}

func TestSessionBeforeConnect(t *testing.T) {
	t.Parallel()
	m := newManager(t)
	_, err := m.Session()
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = m.Exec(testContext(t), "print(1)")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, m.Reconnect(testContext(t)), ErrNotConnected)
}

func TestConnectAndExec(t *testing.T) {
	t.Parallel()
	dev := startDevice(t, nil)
	rec := &memRecorder{}
	m := newManager(t, WithRecorder(rec))
	ctx := testContext(t)

	require.NoError(t, m.Connect(ctx, dev.url, testPassword))
	out, err := m.Exec(ctx, "x = 20\nprint(x + 22)")
	require.NoError(t, err)
	assert.Equal(t, "42", out)

	out, err = m.Exec(ctx, "1/0")
	require.NoError(t, err)
	assert.Contains(t, out, "ZeroDivisionError")

	require.Len(t, rec.execs, 2)
	assert.Equal(t, dev.url, rec.execs[0].Device)
	assert.Equal(t, "42", rec.execs[0].Result)
	assert.Empty(t, rec.execs[0].Error)
}

func TestConnectWrongPassword(t *testing.T) {
	t.Parallel()
	dev := startDevice(t, nil)
	m := newManager(t)

	err := m.Connect(testContext(t), dev.url, "nope")
	require.ErrorIs(t, err, webrepl.ErrAccessDenied)
	_, err = m.Session()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectReplacesSession(t *testing.T) {
	t.Parallel()
	dev := startDevice(t, nil)
	m := newManager(t)
	ctx := testContext(t)

	require.NoError(t, m.Connect(ctx, dev.url, testPassword))
	first, err := m.Session()
	require.NoError(t, err)

	require.NoError(t, m.Connect(ctx, dev.url, testPassword))
	second, err := m.Session()
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	<-first.Done()
	assert.ErrorIs(t, first.Err(), webrepl.ErrClosed)
}

func TestBusyAbortByDefault(t *testing.T) {
	t.Parallel()
	dev := startDevice(t, nil)
	m := newManager(t)
	ctx := testContext(t)
	require.NoError(t, m.Connect(ctx, dev.url, testPassword))

	loop := startLoop(t, m)
	_, err := m.Exec(ctx, "print(1)")
	assert.ErrorIs(t, err, webrepl.ErrBusy)

	m.Disconnect()
	assert.ErrorIs(t, <-loop, webrepl.ErrClosed)
}

func TestBusyReconnectRetriesOnce(t *testing.T) {
	t.Parallel()
	dev := startDevice(t, nil)
	var asked []error
	m := newManager(t, WithBusyFunc(func(err error) BusyChoice {
		asked = append(asked, err)
		return BusyReconnect
	}))
	ctx := testContext(t)
	require.NoError(t, m.Connect(ctx, dev.url, testPassword))

	loop := startLoop(t, m)
	out, err := m.Exec(ctx, "print('fresh')")
	require.NoError(t, err)
	assert.Equal(t, "fresh", out)
	require.Len(t, asked, 1)
	assert.ErrorIs(t, asked[0], webrepl.ErrBusy)
	assert.ErrorIs(t, <-loop, webrepl.ErrClosed)
}

func TestInterruptStopsRunningCode(t *testing.T) {
	t.Parallel()
	dev := startDevice(t, nil)
	m := newManager(t)
	ctx := testContext(t)
	require.NoError(t, m.Connect(ctx, dev.url, testPassword))

	loop := startLoop(t, m)
	require.NoError(t, m.Interrupt(ctx))
	assert.ErrorIs(t, <-loop, webrepl.ErrInterrupted)

	out, err := m.Exec(ctx, "print('after')")
	require.NoError(t, err)
	assert.Equal(t, "after", out)
}

func TestDeviceDisconnectClearsSession(t *testing.T) {
	t.Parallel()
	dev := startDevice(t, nil)
	m := newManager(t)
	ctx := testContext(t)
	require.NoError(t, m.Connect(ctx, dev.url, testPassword))
	s, err := m.Session()
	require.NoError(t, err)

	require.NoError(t, dev.dev.Close())
	<-s.Done()
	assert.ErrorIs(t, s.Err(), webrepl.ErrDisconnected)
	require.Eventually(t, func() bool {
		_, err := m.Session()
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTransfersAreRecorded(t *testing.T) {
	t.Parallel()
	fsys := afero.NewMemMapFs()
	dev := startDevice(t, fsys)
	rec := &memRecorder{}
	m := newManager(t, WithRecorder(rec))
	ctx := testContext(t)
	require.NoError(t, m.Connect(ctx, dev.url, testPassword))

	payload := []byte(strings.Repeat("0123456789", 300))
	require.NoError(t, m.PutFile(ctx, "data.txt", payload, nil))
	stored, err := afero.ReadFile(fsys, "/data.txt")
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	got, err := m.GetFile(ctx, "data.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = m.GetFile(ctx, "missing.txt", nil)
	assert.ErrorIs(t, err, webrepl.ErrReceiveFailed)

	require.Len(t, rec.transfers, 3)
	assert.Equal(t, models.DirectionPut, rec.transfers[0].Direction)
	assert.Equal(t, len(payload), rec.transfers[0].Bytes)
	assert.Equal(t, "ok", rec.transfers[1].Status)
	assert.Equal(t, "failed", rec.transfers[2].Status)
	assert.NotEmpty(t, rec.transfers[2].Error)
}

func TestVersion(t *testing.T) {
	t.Parallel()
	dev := startDevice(t, nil)
	m := newManager(t)
	ctx := testContext(t)
	require.NoError(t, m.Connect(ctx, dev.url, testPassword))

	v, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, [3]byte{1, 22, 0}, v)
}
