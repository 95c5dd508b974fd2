package structs

import (
	"encoding/json"
	"log/slog"
)

type EventName = string
type EventOpcode = int

const (
	EventNameReady EventName = "READY"
)

// RawEvent is an inbound gateway frame. D stays a RawMessage to delay
// decoding until the opcode is known. S is nullable: frames before the
// first dispatch carry no sequence.
type RawEvent struct {
	Op EventOpcode     `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *uint64         `json:"s,omitempty"`
	T  EventName       `json:"t,omitempty"`
}

func (re *RawEvent) LogValue() slog.Value {
	return slog.GroupValue(slog.Int("op_code", re.Op),
		slog.Any("event_data", re.D),
		slog.Any("sequence", re.S),
		slog.String("event_name", re.T))
}

type Event struct {
	Op EventOpcode `json:"op"`
	D  interface{} `json:"d,omitempty"`
	S  *uint64     `json:"s,omitempty"`
	T  EventName   `json:"t,omitempty"`
}

func (e *Event) LogValue() slog.Value {
	return slog.GroupValue(slog.Int("op_code", e.Op),
		slog.Any("event_data", e.D),
		slog.Any("sequence", e.S),
		slog.String("event_name", e.T))
}

type HelloEvent struct {
	HeartbeatInterval uint64 `json:"heartbeat_interval"`
}

// HeartbeatEvent echoes the last observed sequence. D must serialize as
// null before the first sequence is seen, so no omitempty on it.
type HeartbeatEvent struct {
	Op EventOpcode `json:"op"`
	D  *uint64     `json:"d"`
}

type IdentifyEventProperties struct {
	Os      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type IdentifyEvent struct {
	Token      string                  `json:"token"`
	Properties IdentifyEventProperties `json:"properties"`
	Compress   bool                    `json:"compress"`
	Intents    uint64                  `json:"intents"`
}

type ReadyEvent struct {
	V         int    `json:"v"`
	User      User   `json:"user"`
	SessionID string `json:"session_id"`
}
