package webrepl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/peterje/devrepl/internal/syncutil"
)

// interruptDelay lets the device settle before Ctrl-C is sent.
const interruptDelay = 500 * time.Millisecond

// Response is the outcome of a completed wait.
type Response struct {
	// Result holds the non-matching lines received during the wait, joined
	// by "\n".
	Result string
	// Found is the index of the expected string that ended the wait.
	Found int
}

// operation is one logical exchange holding the session's slot.
type operation struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Session is the protocol state of one authenticated device connection.
type Session struct {
	id      string
	conn    Transport
	log     zerolog.Logger
	sink    LineSink
	onPhase PhaseHook
	clock   clockwork.Clock

	mu      syncutil.Mutex
	settled *sync.Cond
	pending *pendingResponse
	matcher lineMatcher
	phase   Phase
	holding bool
	binary  *binaryListener
	op      *operation
	closed  bool
	err     error
	done    chan struct{}
}

type options struct {
	logger  *zerolog.Logger
	sink    LineSink
	onPhase PhaseHook
	clock   clockwork.Clock
}

// Option configures a Session.
type Option func(*options)

// WithLogger sets the logger. A "session" field is added to it.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithLineSink receives every line the device sends. Without one, lines are
// logged at debug level.
func WithLineSink(sink LineSink) Option {
	return func(o *options) { o.sink = sink }
}

func WithPhaseHook(hook PhaseHook) Option {
	return func(o *options) { o.onPhase = hook }
}

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// Open authenticates over t and returns the live session. On any failure
// the transport is closed.
func Open(ctx context.Context, t Transport, password string, opts ...Option) (*Session, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	logger := log.Logger
	if o.logger != nil {
		logger = *o.logger
	}

	id := uuid.New().String()[:8]
	s := &Session{
		id:      id,
		conn:    t,
		log:     logger.With().Str("session", id).Logger(),
		sink:    o.sink,
		onPhase: o.onPhase,
		clock:   o.clock,
		done:    make(chan struct{}),
	}
	s.settled = syncutil.NewCond(&s.mu)

	op, err := s.begin(ctx)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	err = s.handshake(op.ctx, password)
	s.end(op)
	if err != nil {
		s.shutdown(err)
		_ = t.Close()
		return nil, err
	}
	s.log.Debug().Msg("session authenticated")
	return s, nil
}

func (s *Session) handshake(ctx context.Context, password string) error {
	// The reader starts only once the first wait is registered, so the
	// password prompt cannot be missed.
	startReader := func() error {
		go s.readLoop()
		return nil
	}
	if _, err := s.await(ctx, PhaseConnecting, startReader, promptPassword); err != nil {
		return fmt.Errorf("await password prompt: %w", err)
	}
	resp, err := s.await(ctx, PhaseConnecting, s.writeText(password+"\n"), promptConnected, promptDenied)
	if err != nil {
		return fmt.Errorf("await login result: %w", err)
	}
	if resp.Found == 1 {
		return ErrAccessDenied
	}
	return nil
}

// ID is the short session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended, or nil while it is live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Close ends the session. Outstanding waits fail with ErrClosed.
func (s *Session) Close() error {
	if !s.shutdown(ErrClosed) {
		return nil
	}
	return s.conn.Close()
}

// UntilIdle returns a channel closed when the in-flight operation completes.
// The channel is already closed when the session is idle.
func (s *Session) UntilIdle() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.op != nil:
		return s.op.done
	case s.pending != nil:
		return s.pending.done
	}
	idle := make(chan struct{})
	close(idle)
	return idle
}

// WaitFor suspends until the device sends one of expect, returning the lines
// received meanwhile and the index of the match.
func (s *Session) WaitFor(ctx context.Context, phase Phase, expect ...string) (Response, error) {
	op, err := s.begin(ctx)
	if err != nil {
		return Response{}, err
	}
	defer s.end(op)
	return s.await(op.ctx, phase, nil, expect...)
}

// Send transmits cmd, waits for its echo and then for endMarker. The result
// is the output in between.
func (s *Session) Send(ctx context.Context, cmd, endMarker string) (string, error) {
	op, err := s.begin(ctx)
	if err != nil {
		return "", err
	}
	defer s.end(op)
	return s.send(op.ctx, cmd, endMarker)
}

func (s *Session) send(ctx context.Context, cmd, endMarker string) (string, error) {
	if _, err := s.await(ctx, PhaseAwaitingEcho, s.writeText(cmd+lineDelimiter), cmd); err != nil {
		return "", fmt.Errorf("await echo: %w", err)
	}
	resp, err := s.await(ctx, PhaseAwaitingResult, nil, endMarker)
	if err != nil {
		return "", fmt.Errorf("await %q: %w", endMarker, err)
	}
	return resp.Result, nil
}

// ExecuteCode runs source on the device. A single line is sent at the normal
// prompt; several lines go through paste mode.
func (s *Session) ExecuteCode(ctx context.Context, source string) (string, error) {
	lines := splitCode(source)
	if len(lines) == 0 {
		return "", nil
	}

	op, err := s.begin(ctx)
	if err != nil {
		return "", err
	}
	defer s.end(op)

	if len(lines) == 1 {
		return s.send(op.ctx, lines[0], promptNormal)
	}

	if _, err := s.await(op.ctx, PhaseAwaitingPrompt, s.writeText(ctrlPaste), promptPaste); err != nil {
		return "", fmt.Errorf("enter paste mode: %w", err)
	}
	for _, line := range lines {
		if _, err := s.send(op.ctx, line, promptPaste); err != nil {
			return "", err
		}
	}
	resp, err := s.await(op.ctx, PhaseAwaitingResult, s.writeText(ctrlExecute), promptNormal)
	if err != nil {
		return "", fmt.Errorf("execute block: %w", err)
	}
	return resp.Result, nil
}

func splitCode(source string) []string {
	var lines []string
	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Interrupt sends Ctrl-C after a short settle delay and waits for the normal
// prompt. Any outstanding wait fails with ErrInterrupted before the control
// byte is written, and the in-flight operation is cancelled.
func (s *Session) Interrupt(ctx context.Context) error {
	select {
	case <-s.clock.After(interruptDelay):
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-s.done:
		return s.Err()
	}

	p, err := s.register(PhaseInterrupting, true, []string{promptNormal})
	if err != nil {
		return err
	}
	s.log.Debug().Msg("interrupting device")
	if _, err := s.complete(ctx, p, s.writeText(ctrlInterrupt)); err != nil {
		return fmt.Errorf("await prompt after interrupt: %w", err)
	}
	return nil
}

// begin claims the operation slot.
func (s *Session) begin(ctx context.Context) (*operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.err
	}
	if s.op != nil || s.pending != nil {
		return nil, ErrBusy
	}
	octx, cancel := context.WithCancelCause(ctx)
	op := &operation{ctx: octx, cancel: cancel, done: make(chan struct{})}
	s.op = op
	return op, nil
}

func (s *Session) end(op *operation) {
	s.mu.Lock()
	if s.op == op {
		s.op = nil
	}
	s.holding = false
	s.settled.Broadcast()
	s.mu.Unlock()

	op.cancel(nil)
	close(op.done)
}

// await registers a wait for expect, runs trigger, and blocks until the wait
// settles.
func (s *Session) await(ctx context.Context, phase Phase, trigger func() error, expect ...string) (Response, error) {
	// An interrupt between two waits of one operation cancels ctx and
	// leaves its own wait pending.
	if ctx.Err() != nil {
		return Response{}, context.Cause(ctx)
	}
	p, err := s.register(phase, false, expect)
	if errors.Is(err, ErrBusy) && ctx.Err() != nil {
		return Response{}, context.Cause(ctx)
	}
	if err != nil {
		return Response{}, err
	}
	return s.complete(ctx, p, trigger)
}

// register installs p as the pending response. With force, an existing wait
// is rejected with ErrInterrupted and the current operation is cancelled.
func (s *Session) register(phase Phase, force bool, expect []string) (*pendingResponse, error) {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	prev := s.phase
	if old := s.pending; old != nil {
		if !force {
			s.mu.Unlock()
			return nil, ErrBusy
		}
		old.reject(ErrInterrupted)
		prev = old.prev
	}
	if force && s.op != nil {
		s.op.cancel(ErrInterrupted)
	}

	// A stale partial, such as the prompt that follows login, must not be
	// glued onto the reply.
	s.matcher.reset()
	p := newPendingResponse(expect, prev)
	s.pending = p
	s.phase = phase
	s.holding = false
	s.settled.Broadcast()
	s.mu.Unlock()

	s.notifyPhase(phase)
	return p, nil
}

func (s *Session) complete(ctx context.Context, p *pendingResponse, trigger func() error) (Response, error) {
	var err error
	if trigger != nil {
		err = trigger()
	}
	if err == nil {
		select {
		case <-p.done:
			err = p.err
		case <-ctx.Done():
			err = context.Cause(ctx)
		}
	}
	s.release(p)
	if err != nil {
		return Response{}, err
	}
	return Response{Result: strings.Join(p.result, "\n"), Found: p.found}, nil
}

// release clears p if it is still the pending response.
func (s *Session) release(p *pendingResponse) {
	s.mu.Lock()
	if s.pending != p {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.matcher.reset()
	s.phase = p.prev
	s.mu.Unlock()

	s.notifyPhase(p.prev)
}

func (s *Session) writeText(text string) func() error {
	return func() error {
		if err := s.conn.WriteText(text); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		return nil
	}
}

func (s *Session) notifyPhase(phase Phase) {
	if s.onPhase != nil {
		s.onPhase(phase)
	}
}

func (s *Session) emit(line string, phase Phase) {
	if s.sink != nil {
		s.sink(line, phase)
		return
	}
	s.log.Debug().Str("phase", phase.String()).Msg(line)
}

// shutdown marks the session closed and fails everything waiting on it. It
// reports whether this call did the closing.
func (s *Session) shutdown(cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = cause
	if s.pending != nil {
		s.pending.reject(cause)
	}
	if s.op != nil {
		s.op.cancel(cause)
	}
	s.holding = false
	s.settled.Broadcast()
	close(s.done)
	return true
}

// readLoop processes transport messages in delivery order until the
// transport fails or the session is closed.
func (s *Session) readLoop() {
	for {
		if !s.awaitHandOff() {
			return
		}
		binary, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.shutdown(fmt.Errorf("%w: %w", ErrDisconnected, err)) {
				s.log.Debug().Err(err).Msg("transport read failed")
				_ = s.conn.Close()
			}
			return
		}
		if binary {
			s.handleBinary(data)
		} else {
			s.handleText(string(data))
		}
	}
}

// awaitHandOff blocks while a resolved wait's operation has not yet moved on.
// It returns false once the session is closed.
func (s *Session) awaitHandOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.holding && !s.closed {
		s.settled.Wait()
	}
	return !s.closed
}

// handleText delivers a fragment's lines to the sink before resolving the
// wait they matched.
func (s *Session) handleText(fragment string) {
	s.mu.Lock()
	phase := s.phase
	p := s.pending
	lines, match := s.matcher.feed(fragment, p)
	s.mu.Unlock()

	for _, line := range lines {
		s.emit(line, phase)
	}
	if match < 0 {
		return
	}

	s.mu.Lock()
	if s.pending == p && p.resolve(match) && s.op != nil {
		s.holding = true
	}
	s.mu.Unlock()
}

func (s *Session) handleBinary(frame []byte) {
	s.mu.Lock()
	l := s.binary
	s.mu.Unlock()
	if l == nil {
		s.log.Debug().Int("bytes", len(frame)).Msg("dropping unsolicited binary frame")
		return
	}
	select {
	case l.frames <- frame:
	case <-l.stop:
	case <-s.done:
	}
}
