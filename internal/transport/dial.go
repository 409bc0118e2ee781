package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	initialBackoff          = time.Second
	maxBackoff              = 30 * time.Second
)

// Dialer opens WebSocket connections to devices.
type Dialer struct {
	HandshakeTimeout time.Duration
	// InsecureSkipVerify accepts self-signed certificates on wss:// URLs.
	InsecureSkipVerify bool
	// Retries is how many more attempts follow a failed dial. Devices that
	// are still booting refuse connections for a few seconds.
	Retries int
	Clock   clockwork.Clock
}

// Dial connects to url, retrying with exponential backoff. A rejected
// handshake (the server answered with a non-101 status) is not retried.
func (d *Dialer) Dial(ctx context.Context, url string) (*WSConn, error) {
	clock := d.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	if d.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		conn, resp, err := dialer.DialContext(ctx, url, nil)
		if err == nil {
			log.Debug().Str("url", url).Int("attempt", attempt+1).Msg("connected to device")
			return NewWSConn(conn), nil
		}
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if errors.Is(err, websocket.ErrBadHandshake) || attempt >= d.Retries || ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}

		log.Warn().Err(err).Str("url", url).Dur("backoff", backoff).Msg("dial failed, retrying")
		select {
		case <-clock.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", url, context.Cause(ctx))
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
