package emulator

import (
	"bytes"
	"path"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/peterje/devrepl/internal/webrepl"
)

const (
	statusOK   = 0
	statusFail = 1
)

// transfer is an upload or download in progress on one connection.
type transfer struct {
	op   byte
	name string
	size int
	buf  bytes.Buffer
	data []byte
	off  int
}

func (c *conn) handleBinary(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.authed {
		return
	}
	if c.xfer == nil {
		c.begin(frame)
		return
	}

	switch c.xfer.op {
	case webrepl.OpPut:
		c.receive(frame)
	case webrepl.OpGet:
		if len(frame) != 1 || frame[0] != 0x00 {
			log.Debug().Int("bytes", len(frame)).Msg("emulator: unexpected frame during get")
			return
		}
		c.sendChunk()
	}
}

func (c *conn) begin(rec []byte) {
	op, size, name, err := webrepl.DecodeRecord(rec)
	if err != nil {
		log.Debug().Err(err).Msg("emulator: bad transfer record")
		c.writeBinary(webrepl.EncodeStatus(statusFail))
		return
	}
	fsys := c.dev.cfg.Fs
	target := resolve(name)

	switch op {
	case webrepl.OpPut:
		if ok, _ := afero.DirExists(fsys, path.Dir(target)); !ok {
			c.writeBinary(webrepl.EncodeStatus(statusFail))
			return
		}
		c.xfer = &transfer{op: op, name: target, size: int(size)}
		c.writeBinary(webrepl.EncodeStatus(statusOK))
		if size == 0 {
			c.finishPut()
		}
	case webrepl.OpGet:
		data, err := afero.ReadFile(fsys, target)
		if err != nil {
			c.writeBinary(webrepl.EncodeStatus(statusFail))
			return
		}
		c.xfer = &transfer{op: op, name: target, data: data}
		c.writeBinary(webrepl.EncodeStatus(statusOK))
	case webrepl.OpGetVersion:
		v := c.dev.cfg.Version
		c.writeBinary(v[:])
	default:
		c.writeBinary(webrepl.EncodeStatus(statusFail))
	}
}

func (c *conn) receive(chunk []byte) {
	x := c.xfer
	room := x.size - x.buf.Len()
	if len(chunk) > room {
		chunk = chunk[:room]
	}
	x.buf.Write(chunk)
	if x.buf.Len() == x.size {
		c.finishPut()
	}
}

func (c *conn) finishPut() {
	x := c.xfer
	c.xfer = nil
	status := uint16(statusOK)
	if err := afero.WriteFile(c.dev.cfg.Fs, x.name, x.buf.Bytes(), 0o644); err != nil {
		log.Debug().Err(err).Str("name", x.name).Msg("emulator: store upload")
		status = statusFail
	}
	c.writeBinary(webrepl.EncodeStatus(status))
}

func (c *conn) sendChunk() {
	x := c.xfer
	end := min(x.off+webrepl.ChunkSize, len(x.data))
	chunk := x.data[x.off:end]
	x.off = end
	c.writeBinary(webrepl.EncodeChunk(chunk))
	if len(chunk) == 0 {
		c.xfer = nil
		c.writeBinary(webrepl.EncodeStatus(statusOK))
	}
}
