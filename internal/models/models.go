package models

import "time"

// ExecRecord is one code submission to a device.
type ExecRecord struct {
	ID         int64         `json:"id"`
	Device     string        `json:"device"`
	Code       string        `json:"code"`
	Result     string        `json:"result"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	ExecutedAt time.Time     `json:"executed_at"`
}

type Direction string

const (
	DirectionPut Direction = "put"
	DirectionGet Direction = "get"
)

// TransferRecord is one file upload or download.
type TransferRecord struct {
	ID        int64     `json:"id"`
	Device    string    `json:"device"`
	Direction Direction `json:"direction"`
	Name      string    `json:"name"`
	Bytes     int       `json:"bytes"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Version  string `json:"version"`
}
