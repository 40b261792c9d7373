// Package mediastream speaks the Twilio Media Streams websocket protocol:
// it parses inbound events into a closed set of message types and writes
// outbound media, mark, clear and stop instructions.
package mediastream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors returned by Parse. Both mean "skip this message"; the
// stream itself stays usable.
var (
	ErrUnknownEvent     = errors.New("mediastream: unknown event")
	ErrMalformedMessage = errors.New("mediastream: malformed message")
)

// EventType is the closed set of inbound event kinds.
type EventType int

const (
	EventConnected EventType = iota + 1
	EventStart
	EventMedia
	EventStop
	EventMark
	EventDTMF
)

var eventNames = map[string]EventType{
	"connected": EventConnected,
	"start":     EventStart,
	"media":     EventMedia,
	"stop":      EventStop,
	"mark":      EventMark,
	"dtmf":      EventDTMF,
}

func (t EventType) String() string {
	for name, v := range eventNames {
		if v == t {
			return name
		}
	}
	return "unknown"
}

// InboundTrack is the only media track relayed to the speech backend.
const InboundTrack = "inbound"

// MediaFormat describes the negotiated audio format.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Start is the payload of a start event.
type Start struct {
	StreamID  string
	CallID    string
	AccountID string
	Tracks    []string
	Format    MediaFormat
	Params    map[string]string
}

// Media is the payload of a media event with the audio already decoded.
type Media struct {
	Track     string
	Chunk     string
	Timestamp string
	Payload   []byte
}

// Message is one parsed inbound event. Only the field for Type is set.
type Message struct {
	Type     EventType
	StreamID string
	Start    *Start
	Media    *Media
	Mark     string
	Digit    string
}

// wireMessage mirrors the JSON envelope in both directions.
type wireMessage struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid,omitempty"`
	Start     *wireStart `json:"start,omitempty"`
	Media     *wireMedia `json:"media,omitempty"`
	Mark      *wireMark  `json:"mark,omitempty"`
	DTMF      *wireDTMF  `json:"dtmf,omitempty"`
}

type wireStart struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  MediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type wireMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type wireMark struct {
	Name string `json:"name"`
}

type wireDTMF struct {
	Digit string `json:"digit"`
}

// Parse decodes one inbound text frame. Unknown event names yield
// ErrUnknownEvent; undecodable JSON or base64 yields ErrMalformedMessage.
func Parse(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	typ, ok := eventNames[w.Event]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownEvent, w.Event)
	}

	msg := Message{Type: typ, StreamID: w.StreamSID}
	switch typ {
	case EventStart:
		// A start without payload keeps Start nil; it carries no call id
		// and the receiver must abort.
		if w.Start == nil {
			break
		}
		msg.Start = &Start{
			StreamID:  w.Start.StreamSID,
			CallID:    w.Start.CallSID,
			AccountID: w.Start.AccountSID,
			Tracks:    w.Start.Tracks,
			Format:    w.Start.MediaFormat,
			Params:    w.Start.CustomParams,
		}
		if msg.Start.StreamID == "" {
			msg.Start.StreamID = w.StreamSID
		}
		if msg.StreamID == "" {
			msg.StreamID = msg.Start.StreamID
		}
	case EventMedia:
		if w.Media == nil {
			return Message{}, fmt.Errorf("%w: media without payload", ErrMalformedMessage)
		}
		payload, err := base64.StdEncoding.DecodeString(w.Media.Payload)
		if err != nil {
			return Message{}, fmt.Errorf("%w: media payload: %v", ErrMalformedMessage, err)
		}
		track := w.Media.Track
		if track == "" {
			track = InboundTrack
		}
		msg.Media = &Media{Track: track, Chunk: w.Media.Chunk, Timestamp: w.Media.Timestamp, Payload: payload}
	case EventMark:
		if w.Mark != nil {
			msg.Mark = w.Mark.Name
		}
	case EventDTMF:
		if w.DTMF != nil {
			msg.Digit = w.DTMF.Digit
		}
	}
	return msg, nil
}

func encodeMedia(streamID string, mulaw []byte) ([]byte, error) {
	return json.Marshal(wireMessage{
		Event:     "media",
		StreamSID: streamID,
		Media:     &wireMedia{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

func encodeMark(streamID, name string) ([]byte, error) {
	return json.Marshal(wireMessage{Event: "mark", StreamSID: streamID, Mark: &wireMark{Name: name}})
}

func encodeControl(event, streamID string) ([]byte, error) {
	return json.Marshal(wireMessage{Event: event, StreamSID: streamID})
}
