package webrepl

import (
	"encoding/binary"
	"fmt"
)

// Opcodes for the initiation record.
const (
	OpPut        byte = 0x01
	OpGet        byte = 0x02
	OpGetVersion byte = 0x03
)

// Text-channel markers and control bytes.
const (
	lineDelimiter = "\r\n"

	promptPassword  = "Password:"
	promptConnected = "WebREPL connected"
	promptDenied    = "Access denied"
	promptNormal    = ">>>"
	promptPaste     = "==="

	ctrlInterrupt = "\x03"
	ctrlExecute   = "\x04"
	ctrlPaste     = "\x05"
)

const (
	RecordSize  = 2 + 1 + 1 + 8 + 4 + 2 + 64
	ChunkSize   = 1024
	maxNameLen  = 64
	versionSize = 3
)

// continueSignal asks the device for the next download chunk.
var continueSignal = []byte{0x00}

// Wire format:
//   request  "<2sBBQLH64s": "WA" op 0 [8]0 size:u32le namelen:u16le name[64]
//   response "WB" status:u16le (0 = ok)
//   download chunk  size:u16le payload[size] (size 0 ends the file)
// Upload data follows the first ok response as raw binary messages of at
// most ChunkSize bytes with no per-chunk acknowledgement.

// EncodeRecord builds the fixed-size initiation record. Names are written as
// their raw bytes and must fit the 64-byte field.
func EncodeRecord(op byte, size uint32, name string) ([]byte, error) {
	if len(name) > maxNameLen {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrNameTooLong, len(name), maxNameLen)
	}
	rec := make([]byte, RecordSize)
	rec[0] = 'W'
	rec[1] = 'A'
	rec[2] = op
	binary.LittleEndian.PutUint32(rec[12:16], size)
	binary.LittleEndian.PutUint16(rec[16:18], uint16(len(name)))
	copy(rec[18:], name)
	return rec, nil
}

// DecodeRecord is the device-side inverse of EncodeRecord.
func DecodeRecord(rec []byte) (op byte, size uint32, name string, err error) {
	if len(rec) != RecordSize {
		return 0, 0, "", fmt.Errorf("%w: record is %d bytes, want %d", ErrFraming, len(rec), RecordSize)
	}
	if rec[0] != 'W' || rec[1] != 'A' {
		return 0, 0, "", fmt.Errorf("%w: bad record magic %q", ErrUnexpectedResponse, rec[:2])
	}
	nameLen := int(binary.LittleEndian.Uint16(rec[16:18]))
	if nameLen > maxNameLen {
		return 0, 0, "", fmt.Errorf("%w: %d bytes", ErrNameTooLong, nameLen)
	}
	return rec[2], binary.LittleEndian.Uint32(rec[12:16]), string(rec[18 : 18+nameLen]), nil
}

// EncodeStatus builds a "WB" response frame.
func EncodeStatus(code uint16) []byte {
	frame := []byte{'W', 'B', 0, 0}
	binary.LittleEndian.PutUint16(frame[2:], code)
	return frame
}

// decodeStatus returns the status code of a "WB" frame. ok is false for any
// frame that does not carry the response magic.
func decodeStatus(frame []byte) (code uint16, ok bool) {
	if len(frame) < 4 || frame[0] != 'W' || frame[1] != 'B' {
		return 0, false
	}
	return binary.LittleEndian.Uint16(frame[2:4]), true
}

// EncodeChunk prefixes a download payload with its length.
func EncodeChunk(payload []byte) []byte {
	frame := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[2:], payload)
	return frame
}

// decodeChunk validates the length prefix of a download frame. A zero-length
// payload marks the end of the file.
func decodeChunk(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("%w: chunk frame of %d bytes", ErrFraming, len(frame))
	}
	size := int(binary.LittleEndian.Uint16(frame))
	if len(frame) != 2+size {
		return nil, fmt.Errorf("%w: chunk declares %d bytes, frame carries %d", ErrFraming, size, len(frame)-2)
	}
	return frame[2:], nil
}
