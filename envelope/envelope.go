package envelope

import (
	"math"
	"strconv"

	"github.com/google/uuid"
)

// Command names a control envelope.
type Command string

const (
	Connect            Command = "connect"
	Disconnect         Command = "disconnect"
	ClientCountRequest Command = "client-count-request"
	ClientCountReply   Command = "client-count-reply"
	Log                Command = "log"
)

// ClientID identifies one context for the lifetime of that context.
type ClientID string

// NewClientID generates a UUIDv7 based client id. The version 7 layout mixes a
// millisecond clock with random bits, so two contexts started within the same
// clock tick still get distinct ids.
func NewClientID() ClientID {
	return ClientID(uuid.Must(uuid.NewV7()).String())
}

func (c ClientID) String() string { return string(c) }

// Envelope is the only message shape that crosses a channel.
//
// A control envelope has Command set and carries an optional Payload.
// A topic envelope has an empty Command and a non-empty Topic. An envelope
// that is neither is ignored by both ends of the protocol.
type Envelope struct {
	Command Command
	Payload any

	Topic         string
	Args          []any
	SenderID      ClientID
	ExcludeSender bool
}

// Control builds a control envelope.
func Control(cmd Command, payload any) Envelope {
	return Envelope{Command: cmd, Payload: payload}
}

// Publish builds a topic envelope that is delivered to every connection,
// the sender included.
func Publish(sender ClientID, topic string, args ...any) Envelope {
	return Envelope{Topic: topic, Args: args, SenderID: sender}
}

// Broadcast builds a topic envelope that is delivered to every connection
// except the sender.
func Broadcast(sender ClientID, topic string, args ...any) Envelope {
	return Envelope{Topic: topic, Args: args, SenderID: sender, ExcludeSender: true}
}

// IsControl reports whether e is a control envelope.
func (e Envelope) IsControl() bool { return e.Command != "" }

// IsTopic reports whether e is a topic envelope.
func (e Envelope) IsTopic() bool { return e.Command == "" && e.Topic != "" }

// PayloadString returns the payload as a string.
func (e Envelope) PayloadString() (string, bool) {
	switch v := e.Payload.(type) {
	case string:
		return v, true
	case ClientID:
		return string(v), true
	default:
		return "", false
	}
}

// PayloadClientID returns the payload as a non-empty client id. Ids are
// opaque, so numeric and boolean payloads are accepted in their decimal or
// literal form: a peer connecting with 1697000000000 is "1697000000000".
func (e Envelope) PayloadClientID() (ClientID, bool) {
	var s string
	switch v := e.Payload.(type) {
	case string:
		s = v
	case ClientID:
		s = string(v)
	case int:
		s = strconv.Itoa(v)
	case int32:
		s = strconv.FormatInt(int64(v), 10)
	case int64:
		s = strconv.FormatInt(v, 10)
	case uint:
		s = strconv.FormatUint(uint64(v), 10)
	case uint64:
		s = strconv.FormatUint(v, 10)
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return "", false
		}
		if v == math.Trunc(v) && math.Abs(v) < 1<<63 {
			s = strconv.FormatInt(int64(v), 10)
		} else {
			s = strconv.FormatFloat(v, 'f', -1, 64)
		}
	case bool:
		s = strconv.FormatBool(v)
	}
	if s == "" {
		return "", false
	}
	return ClientID(s), true
}

// PayloadInt returns the payload as an int. Integral floats are accepted since
// a payload may have crossed a JSON channel.
func (e Envelope) PayloadInt() (int, bool) {
	switch v := e.Payload.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}
