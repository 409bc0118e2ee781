package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/peterje/devrepl/internal/models"
	"github.com/peterje/devrepl/internal/webrepl"
)

var ErrNotConnected = errors.New("not connected to a device")

// DialFunc opens the transport to a device.
type DialFunc func(ctx context.Context, url string) (webrepl.Transport, error)

// BusyChoice is the user's answer when an operation finds the device busy.
type BusyChoice int

const (
	BusyAbort BusyChoice = iota
	BusyReconnect
)

// BusyFunc decides what to do about err, which is ErrBusy or
// ErrNotConnected.
type BusyFunc func(err error) BusyChoice

// Recorder stores device activity.
type Recorder interface {
	RecordExec(ctx context.Context, rec models.ExecRecord) (int64, error)
	RecordTransfer(ctx context.Context, rec models.TransferRecord) (int64, error)
}

type Option func(*Manager)

// WithSessionOptions is passed to every session the manager opens.
func WithSessionOptions(opts ...webrepl.Option) Option {
	return func(m *Manager) { m.sessOpts = append(m.sessOpts, opts...) }
}

func WithBusyFunc(fn BusyFunc) Option {
	return func(m *Manager) { m.onBusy = fn }
}

func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.rec = r }
}

// Manager holds the single active device session.
type Manager struct {
	dial     DialFunc
	sessOpts []webrepl.Option
	onBusy   BusyFunc
	rec      Recorder

	mu       sync.Mutex
	sess     *webrepl.Session
	url      string
	password string
}

func NewManager(dial DialFunc, opts ...Option) *Manager {
	m := &Manager{
		dial:   dial,
		onBusy: func(error) BusyChoice { return BusyAbort },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect replaces the active session with a new one to url.
func (m *Manager) Connect(ctx context.Context, url, password string) error {
	m.Disconnect()

	t, err := m.dial(ctx, url)
	if err != nil {
		return err
	}
	s, err := webrepl.Open(ctx, t, password, m.sessOpts...)
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}

	m.mu.Lock()
	prev := m.sess
	m.sess = s
	m.url = url
	m.password = password
	m.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	go m.watch(s)
	log.Info().Str("url", url).Str("session", s.ID()).Msg("connected to device")
	return nil
}

// Reconnect drops the active session and connects again with the last url
// and password.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	url, password := m.url, m.password
	m.mu.Unlock()
	if url == "" {
		return ErrNotConnected
	}
	return m.Connect(ctx, url, password)
}

// Disconnect closes the active session, failing its outstanding work.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	s := m.sess
	m.sess = nil
	m.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}

func (m *Manager) Session() (*webrepl.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil, ErrNotConnected
	}
	return m.sess, nil
}

// URL is the address of the last connection.
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

func (m *Manager) watch(s *webrepl.Session) {
	<-s.Done()
	m.mu.Lock()
	current := m.sess == s
	if current {
		m.sess = nil
	}
	m.mu.Unlock()

	if err := s.Err(); current && errors.Is(err, webrepl.ErrDisconnected) {
		log.Warn().Err(err).Str("session", s.ID()).Msg("Device disconnected")
	}
}

// Do runs fn against the active session. When the device is busy or there
// is no session, the BusyFunc may choose to reconnect and retry once.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, s *webrepl.Session) error) error {
	s, err := m.Session()
	if err == nil {
		err = fn(ctx, s)
	}
	if !errors.Is(err, webrepl.ErrBusy) && !errors.Is(err, ErrNotConnected) {
		return err
	}
	if m.onBusy(err) != BusyReconnect {
		return err
	}

	log.Info().Err(err).Msg("reconnecting to device")
	if err := m.Reconnect(ctx); err != nil {
		return err
	}
	if s, err = m.Session(); err != nil {
		return err
	}
	return fn(ctx, s)
}

// Exec runs source on the device and records it in the history.
func (m *Manager) Exec(ctx context.Context, source string) (string, error) {
	start := time.Now()
	var out string
	err := m.Do(ctx, func(ctx context.Context, s *webrepl.Session) error {
		var err error
		out, err = s.ExecuteCode(ctx, source)
		return err
	})

	rec := models.ExecRecord{
		Device:     m.URL(),
		Code:       source,
		Result:     out,
		Duration:   time.Since(start),
		ExecutedAt: start,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	m.recordExec(ctx, rec)
	return out, err
}

func (m *Manager) PutFile(ctx context.Context, name string, data []byte, progress webrepl.Progress) error {
	err := m.Do(ctx, func(ctx context.Context, s *webrepl.Session) error {
		return s.PutFile(ctx, name, data, progress)
	})
	m.recordTransfer(ctx, models.DirectionPut, name, len(data), err)
	return err
}

func (m *Manager) GetFile(ctx context.Context, name string, progress webrepl.Progress) ([]byte, error) {
	var data []byte
	err := m.Do(ctx, func(ctx context.Context, s *webrepl.Session) error {
		var err error
		data, err = s.GetFile(ctx, name, progress)
		return err
	})
	m.recordTransfer(ctx, models.DirectionGet, name, len(data), err)
	return data, err
}

func (m *Manager) Version(ctx context.Context) ([3]byte, error) {
	var v [3]byte
	err := m.Do(ctx, func(ctx context.Context, s *webrepl.Session) error {
		var err error
		v, err = s.Version(ctx)
		return err
	})
	return v, err
}

// Interrupt sends Ctrl-C to the active session. It bypasses the busy
// check since its purpose is to stop running work.
func (m *Manager) Interrupt(ctx context.Context) error {
	s, err := m.Session()
	if err != nil {
		return err
	}
	return s.Interrupt(ctx)
}

func (m *Manager) recordExec(ctx context.Context, rec models.ExecRecord) {
	if m.rec == nil {
		return
	}
	if _, err := m.rec.RecordExec(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn().Err(err).Msg("failed to record exec")
	}
}

func (m *Manager) recordTransfer(ctx context.Context, dir models.Direction, name string, n int, err error) {
	if m.rec == nil {
		return
	}
	rec := models.TransferRecord{
		Device:    m.URL(),
		Direction: dir,
		Name:      name,
		Bytes:     n,
		Status:    "ok",
		CreatedAt: time.Now(),
	}
	if err != nil {
		rec.Status = "failed"
		rec.Error = err.Error()
	}
	if _, err := m.rec.RecordTransfer(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn().Err(err).Msg("failed to record transfer")
	}
}
