package webrepl

import (
	"context"
	"fmt"
	"math"
)

// Transfer states.
const (
	putAwaitingAck   = 11
	putAwaitingFinal = 12

	getAwaitingAck   = 21
	getReceiving     = 22
	getAwaitingFinal = 23

	versionAwaiting = 31
)

// Progress is told the cumulative number of bytes transferred. Uploads
// report the bytes written so far after each chunk, so the first call is
// the end of the first chunk rather than offset 0.
type Progress func(n int)

// binaryListener receives the binary frames of one transfer.
type binaryListener struct {
	frames chan []byte
	stop   chan struct{}
}

func (s *Session) attach() *binaryListener {
	l := &binaryListener{
		frames: make(chan []byte),
		stop:   make(chan struct{}),
	}
	s.mu.Lock()
	s.binary = l
	s.mu.Unlock()
	return l
}

func (s *Session) detach(l *binaryListener) {
	s.mu.Lock()
	if s.binary == l {
		s.binary = nil
		close(l.stop)
	}
	s.mu.Unlock()
}

func (s *Session) nextFrame(ctx context.Context, l *binaryListener) ([]byte, error) {
	select {
	case frame := <-l.frames:
		return frame, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-s.done:
		return nil, s.Err()
	}
}

// transfer runs fn with the operation slot held and a binary listener
// attached for its duration.
func (s *Session) transfer(ctx context.Context, fn func(ctx context.Context, l *binaryListener) error) error {
	op, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer s.end(op)
	l := s.attach()
	defer s.detach(l)
	return fn(op.ctx, l)
}

// PutFile uploads data to the device as name. Progress is reported after
// each chunk is written and once more when the device confirms.
func (s *Session) PutFile(ctx context.Context, name string, data []byte, progress Progress) error {
	if uint64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("put %s: %d bytes exceeds the size field", name, len(data))
	}
	rec, err := EncodeRecord(OpPut, uint32(len(data)), name)
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	report := progressOrNop(progress)

	err = s.transfer(ctx, func(ctx context.Context, l *binaryListener) error {
		if err := s.conn.WriteBinary(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
		state := putAwaitingAck
		for {
			frame, err := s.nextFrame(ctx, l)
			if err != nil {
				return err
			}
			code, ok := decodeStatus(frame)
			if !ok {
				return fmt.Errorf("%w: %q in state %d", ErrUnexpectedResponse, head(frame), state)
			}
			if code != 0 {
				return fmt.Errorf("%w: status %d in state %d", ErrSendFailed, code, state)
			}

			switch state {
			case putAwaitingAck:
				for off := 0; off < len(data); off += ChunkSize {
					end := min(off+ChunkSize, len(data))
					if err := s.conn.WriteBinary(data[off:end]); err != nil {
						return fmt.Errorf("write chunk at %d: %w", off, err)
					}
					report(end)
				}
				state = putAwaitingFinal
			case putAwaitingFinal:
				report(len(data))
				return nil
			}
		}
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	s.log.Debug().Str("name", name).Int("bytes", len(data)).Msg("file sent")
	return nil
}

// GetFile downloads name from the device.
func (s *Session) GetFile(ctx context.Context, name string, progress Progress) ([]byte, error) {
	rec, err := EncodeRecord(OpGet, 0, name)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	report := progressOrNop(progress)

	var data []byte
	err = s.transfer(ctx, func(ctx context.Context, l *binaryListener) error {
		if err := s.conn.WriteBinary(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
		state := getAwaitingAck
		for {
			frame, err := s.nextFrame(ctx, l)
			if err != nil {
				return err
			}

			switch state {
			case getAwaitingAck, getAwaitingFinal:
				code, ok := decodeStatus(frame)
				if !ok {
					return fmt.Errorf("%w: %q in state %d", ErrUnexpectedResponse, head(frame), state)
				}
				if code != 0 {
					return fmt.Errorf("%w: status %d in state %d", ErrReceiveFailed, code, state)
				}
				if state == getAwaitingFinal {
					report(len(data))
					return nil
				}
				state = getReceiving
			case getReceiving:
				payload, err := decodeChunk(frame)
				if err != nil {
					return err
				}
				if len(payload) == 0 {
					state = getAwaitingFinal
					continue
				}
				data = append(data, payload...)
				report(len(data))
			}

			if err := s.conn.WriteBinary(continueSignal); err != nil {
				return fmt.Errorf("write continue: %w", err)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	s.log.Debug().Str("name", name).Int("bytes", len(data)).Msg("file received")
	return data, nil
}

// Version asks the device for its WebREPL version as major, minor, micro.
func (s *Session) Version(ctx context.Context) ([3]byte, error) {
	var version [3]byte
	rec, err := EncodeRecord(OpGetVersion, 0, "")
	if err != nil {
		return version, err
	}
	err = s.transfer(ctx, func(ctx context.Context, l *binaryListener) error {
		if err := s.conn.WriteBinary(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
		frame, err := s.nextFrame(ctx, l)
		if err != nil {
			return err
		}
		if len(frame) != versionSize {
			return fmt.Errorf("%w: version frame of %d bytes in state %d", ErrFraming, len(frame), versionAwaiting)
		}
		copy(version[:], frame)
		return nil
	})
	if err != nil {
		return version, fmt.Errorf("get version: %w", err)
	}
	return version, nil
}

func progressOrNop(p Progress) Progress {
	if p == nil {
		return func(int) {}
	}
	return p
}

func head(frame []byte) []byte {
	if len(frame) > 4 {
		return frame[:4]
	}
	return frame
}
