package emulator

import (
	"context"
	"net/http"
	"path"
	"strings"

	"github.com/olahol/melody"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/peterje/devrepl/internal/syncutil"
)

const (
	connKey      = "conn"
	maxMessage   = 64 * 1024
	outputBuffer = 1024
)

// Config describes the emulated device.
type Config struct {
	Password string
	// Fs is the device filesystem. Defaults to an empty in-memory one.
	Fs afero.Fs
	// NewEvaluator builds the interpreter for each connection. Defaults to
	// NewInterp over Fs.
	NewEvaluator func(fsys afero.Fs) Evaluator
	Version      [3]byte
}

// Device is a WebREPL-compatible fake device. Each WebSocket connection
// gets its own REPL and transfer state over the shared filesystem.
type Device struct {
	cfg Config
	m   *melody.Melody
}

func New(cfg Config) *Device {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewMemMapFs()
	}
	if cfg.NewEvaluator == nil {
		cfg.NewEvaluator = func(fsys afero.Fs) Evaluator { return NewInterp(fsys) }
	}
	if cfg.Version == [3]byte{} {
		cfg.Version = [3]byte{1, 22, 0}
	}

	m := melody.New()
	m.Upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	m.Config.MaxMessageSize = maxMessage
	m.Config.MessageBufferSize = outputBuffer

	d := &Device{cfg: cfg, m: m}
	m.HandleConnect(d.handleConnect)
	m.HandleDisconnect(d.handleDisconnect)
	m.HandleMessage(func(s *melody.Session, msg []byte) { withConn(s, func(c *conn) { c.handleText(msg) }) })
	m.HandleMessageBinary(func(s *melody.Session, msg []byte) { withConn(s, func(c *conn) { c.handleBinary(msg) }) })
	m.HandleError(func(s *melody.Session, err error) {
		log.Debug().Err(err).Str("remote", s.Request.RemoteAddr).Msg("emulator: session error")
	})
	return d
}

// Fs is the device filesystem.
func (d *Device) Fs() afero.Fs { return d.cfg.Fs }

// Sessions is the number of open connections.
func (d *Device) Sessions() int { return d.m.Len() }

func (d *Device) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := d.m.HandleRequest(w, r); err != nil {
		log.Error().Err(err).Msg("emulator: handling websocket request")
	}
}

// Close disconnects every client.
func (d *Device) Close() error {
	return d.m.Close()
}

func withConn(s *melody.Session, fn func(c *conn)) {
	v, ok := s.Get(connKey)
	if !ok {
		return
	}
	if c, ok := v.(*conn); ok {
		fn(c)
	}
}

func (d *Device) handleConnect(s *melody.Session) {
	c := &conn{
		dev:     d,
		session: s,
		eval:    d.cfg.NewEvaluator(d.cfg.Fs),
	}
	s.Set(connKey, c)
	log.Debug().Str("remote", s.Request.RemoteAddr).Msg("emulator: client connected")
	c.write("Password: ")
}

func (d *Device) handleDisconnect(s *melody.Session) {
	withConn(s, func(c *conn) { c.interrupt() })
	log.Debug().Str("remote", s.Request.RemoteAddr).Msg("emulator: client disconnected")
}

// conn is the REPL state of one client.
type conn struct {
	dev     *Device
	session *melody.Session
	eval    Evaluator

	mu      syncutil.Mutex
	authed  bool
	input   strings.Builder
	paste   bool
	block   []string
	running context.CancelFunc
	xfer    *transfer
}

func (c *conn) write(text string) {
	if err := c.session.Write([]byte(text)); err != nil {
		log.Debug().Err(err).Msg("emulator: write failed")
	}
}

func (c *conn) writeBinary(data []byte) {
	if err := c.session.WriteBinary(data); err != nil {
		log.Debug().Err(err).Msg("emulator: binary write failed")
	}
}

func (c *conn) handleText(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range msg {
		if !c.authed {
			c.login(b)
			continue
		}
		if c.running != nil {
			if b == 0x03 {
				c.running()
			}
			continue
		}

		switch b {
		case 0x03:
			c.input.Reset()
			c.paste = false
			c.block = nil
			c.write("\r\nKeyboardInterrupt\r\n")
			c.write(">>> ")
		case 0x05:
			if c.paste {
				continue
			}
			c.paste = true
			c.block = nil
			c.write("\r\npaste mode; Ctrl-C to cancel, Ctrl-D to finish\r\n")
			c.write("=== ")
		case 0x04:
			if !c.paste {
				continue
			}
			c.paste = false
			c.write("\r\n")
			c.run(strings.Join(c.block, "\n"), false)
			c.block = nil
		case '\r':
		case '\n':
			line := c.input.String()
			c.input.Reset()
			c.write(line + "\r\n")
			if c.paste {
				c.block = append(c.block, line)
				c.write("=== ")
				continue
			}
			c.run(line, true)
		default:
			c.input.WriteByte(b)
		}
	}
}

func (c *conn) login(b byte) {
	if b != '\n' && b != '\r' {
		c.input.WriteByte(b)
		return
	}
	attempt := c.input.String()
	c.input.Reset()
	if attempt == c.dev.cfg.Password {
		c.authed = true
		c.write("\r\nWebREPL connected\r\n>>> ")
		return
	}
	c.write("\r\nAccess denied\r\n")
	if err := c.session.Close(); err != nil {
		log.Debug().Err(err).Msg("emulator: close after denied login")
	}
}

// run evaluates source in the background so Ctrl-C can stop it. Output
// lines and the next prompt are sent when it finishes.
func (c *conn) run(source string, interactive bool) {
	if strings.TrimSpace(source) == "" {
		c.write(">>> ")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.running = cancel
	go func() {
		out := c.eval.Eval(ctx, source, interactive)
		cancel()

		c.mu.Lock()
		c.running = nil
		for _, line := range out {
			c.write(line + "\r\n")
		}
		c.write(">>> ")
		c.mu.Unlock()
	}()
}

func (c *conn) interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running != nil {
		c.running()
	}
}

// resolve maps a transfer name onto the device filesystem. Relative names
// are rooted at /.
func resolve(name string) string {
	if !path.IsAbs(name) {
		name = "/" + name
	}
	return path.Clean(name)
}
