package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bridge wire protocol: the container emits one JSON object per line on its
// output stream and accepts one JSON command per line on stdin. The first
// line after startup is either an "init" or a "busy" event.
const (
	wireInit = "init"
	wireBusy = "busy"
	wireAck  = "ack"
)

type wireEvent struct {
	Event     string `json:"event"`
	ID        string `json:"id,omitempty"`
	QR        string `json:"qr,omitempty"`
	Reason    string `json:"reason,omitempty"`
	From      string `json:"from,omitempty"`
	Body      string `json:"body,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	OK        bool   `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`
}

type wireCommand struct {
	Cmd  string `json:"cmd"`
	ID   string `json:"id,omitempty"`
	To   string `json:"to,omitempty"`
	Body string `json:"body,omitempty"`
}

const (
	cmdSend   = "send"
	cmdLogout = "logout"
)

func decodeWireEvent(line []byte) (wireEvent, error) {
	var ev wireEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return wireEvent{}, fmt.Errorf("decode bridge event: %w", err)
	}
	if ev.Event == "" {
		return wireEvent{}, fmt.Errorf("bridge event missing type: %s", line)
	}
	return ev, nil
}

func encodeWireCommand(cmd wireCommand) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode bridge command: %w", err)
	}
	return append(data, '\n'), nil
}

// toEvent maps a wire event to a client event. Returns false for protocol
// frames (init, busy, ack) that never reach the lifecycle manager.
func toEvent(ev wireEvent) (Event, bool) {
	switch EventKind(ev.Event) {
	case EventQR:
		return Event{Kind: EventQR, QR: ev.QR}, true
	case EventAuthenticated:
		return Event{Kind: EventAuthenticated}, true
	case EventReady:
		return Event{Kind: EventReady}, true
	case EventAuthFailure:
		return Event{Kind: EventAuthFailure, Reason: ev.Reason}, true
	case EventDisconnected:
		return Event{Kind: EventDisconnected, Reason: ev.Reason}, true
	case EventMessage:
		return Event{
			Kind:      EventMessage,
			From:      ev.From,
			Body:      ev.Body,
			Timestamp: time.Unix(ev.Timestamp, 0),
		}, true
	default:
		return Event{}, false
	}
}
