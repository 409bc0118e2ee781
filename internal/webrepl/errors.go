package webrepl

import "errors"

var (
	ErrBusy               = errors.New("device is busy processing")
	ErrInterrupted        = errors.New("interrupted")
	ErrDisconnected       = errors.New("device disconnected")
	ErrClosed             = errors.New("session closed")
	ErrAccessDenied       = errors.New("access denied")
	ErrSendFailed         = errors.New("send failed")
	ErrReceiveFailed      = errors.New("receive file failed")
	ErrFraming            = errors.New("framing error")
	ErrUnexpectedResponse = errors.New("unexpected response")
	ErrNameTooLong        = errors.New("file name too long")
)
