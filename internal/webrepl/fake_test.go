package webrepl

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testPassword = "secret"

type message struct {
	binary bool
	data   []byte
}

func text(s string) message   { return message{data: []byte(s)} }
func binaryMsg(b []byte) message { return message{binary: true, data: b} }

// fakeTransport hands every write to respond and queues its replies as
// incoming messages.
type fakeTransport struct {
	incoming chan message
	closed   chan struct{}
	once     sync.Once

	mu      sync.Mutex
	writes  []message
	respond func(w message) []message
}

func newFakeTransport(respond func(w message) []message) *fakeTransport {
	return &fakeTransport{
		incoming: make(chan message, 256),
		closed:   make(chan struct{}),
		respond:  respond,
	}
}

func (f *fakeTransport) ReadMessage() (bool, []byte, error) {
	select {
	case <-f.closed:
		return false, nil, io.EOF
	default:
	}
	select {
	case m := <-f.incoming:
		return m.binary, m.data, nil
	case <-f.closed:
		return false, nil, io.EOF
	}
}

func (f *fakeTransport) WriteText(s string) error {
	return f.record(text(s))
}

func (f *fakeTransport) WriteBinary(b []byte) error {
	return f.record(binaryMsg(append([]byte(nil), b...)))
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) push(msgs ...message) {
	for _, m := range msgs {
		f.incoming <- m
	}
}

func (f *fakeTransport) record(m message) error {
	if f.isClosed() {
		return io.ErrClosedPipe
	}
	f.mu.Lock()
	f.writes = append(f.writes, m)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		f.push(respond(m)...)
	}
	return nil
}

func (f *fakeTransport) setResponder(respond func(w message) []message) {
	f.mu.Lock()
	f.respond = respond
	f.mu.Unlock()
}

func (f *fakeTransport) takeWrites() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.writes
	f.writes = nil
	return w
}

func (f *fakeTransport) textWrites() []string {
	var out []string
	for _, w := range f.takeWrites() {
		if !w.binary {
			out = append(out, string(w.data))
		}
	}
	return out
}

// fakeREPL answers like a device shell: it echoes each line, then prints
// any scripted output and a fresh prompt, each as its own message.
type fakeREPL struct {
	mu     sync.Mutex
	paste  []string
	pasted bool
	output map[string][]string
	hang   map[string]bool
}

func newFakeREPL() *fakeREPL {
	return &fakeREPL{output: map[string][]string{}, hang: map[string]bool{}}
}

func (d *fakeREPL) respond(w message) []message {
	if w.binary {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	in := string(w.data)
	switch in {
	case testPassword + "\n":
		return []message{text("\r\nWebREPL connected\r\n>>> ")}
	case ctrlPaste:
		d.pasted = true
		d.paste = nil
		return []message{text("\r\npaste mode; Ctrl-C to cancel, Ctrl-D to finish\r\n"), text("=== ")}
	case ctrlExecute:
		d.pasted = false
		out := []message{text("\r\n")}
		for _, l := range d.output[strings.Join(d.paste, "\n")] {
			out = append(out, text(l+"\r\n"))
		}
		return append(out, text(">>> "))
	case ctrlInterrupt:
		d.pasted = false
		return []message{text("\r\nKeyboardInterrupt\r\n"), text(">>> ")}
	}
	if strings.HasSuffix(in, "\n") && !strings.HasSuffix(in, "\r\n") {
		return []message{text("\r\nAccess denied\r\n")}
	}

	line := strings.TrimSuffix(in, "\r\n")
	out := []message{text(line + "\r\n")}
	if d.pasted {
		d.paste = append(d.paste, line)
		return append(out, text("=== "))
	}
	if d.hang[line] {
		return out
	}
	for _, l := range d.output[line] {
		out = append(out, text(l+"\r\n"))
	}
	return append(out, text(">>> "))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// openSession logs in to a fakeREPL and clears the login writes.
func openSession(t *testing.T, dev *fakeREPL, opts ...Option) (*Session, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport(dev.respond)
	ft.push(text("Password: "))
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	s, err := Open(testContext(t), ft, testPassword, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ft.takeWrites()
	return s, ft
}
