package ws

import (
	"chatter/internal/provider"
)

// ClientFrameType enumerates the frames a client sends over the relay socket.
type ClientFrameType string

const (
	FrameSubscribe     ClientFrameType = "subscribe"
	FrameUnsubscribe   ClientFrameType = "unsubscribe"
	FramePresenceOpen  ClientFrameType = "presence_open"
	FramePresenceJoin  ClientFrameType = "presence_join"
	FramePresenceLeave ClientFrameType = "presence_leave"
	FramePresenceClose ClientFrameType = "presence_close"
)

// ServerFrameType enumerates the frames the relay sends back.
type ServerFrameType string

const (
	FrameChange   ServerFrameType = "change"
	FramePresence ServerFrameType = "presence"
	FrameStatus   ServerFrameType = "status"
	FrameAck      ServerFrameType = "ack"
)

// Status values carried by status frames.
const (
	StatusSubscribed = "subscribed"
	StatusError      = "error"
	StatusClosed     = "closed"
)

// ClientFrame is sent by the client. Ref names the stream or presence channel
// the frame is about; the client picks it and it is unique per connection.
type ClientFrame struct {
	Type     ClientFrameType        `json:"type"`
	Ref      string                 `json:"ref"`
	Topic    string                 `json:"topic,omitempty"`
	Bindings []provider.Binding     `json:"bindings,omitempty"`
	Meta     *provider.PresenceMeta `json:"meta,omitempty"`
	// Seq is echoed in the ack of presence_join and presence_leave.
	Seq uint64 `json:"seq,omitempty"`
}

type ServerFrame struct {
	Type     ServerFrameType         `json:"type"`
	Ref      string                  `json:"ref"`
	Status   string                  `json:"status,omitempty"`
	Error    string                  `json:"error,omitempty"`
	Seq      uint64                  `json:"seq,omitempty"`
	Change   *provider.Change        `json:"change,omitempty"`
	Presence *provider.PresenceEvent `json:"presence,omitempty"`
}

func statusFrame(ref, status string, err error) ServerFrame {
	f := ServerFrame{Type: FrameStatus, Ref: ref, Status: status}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}
