package envelope

import (
	"errors"
	"fmt"

	"github.com/casualjim/underground/pkg/jsonx"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrMalformed is returned by Unmarshal for frames that are not envelopes.
var ErrMalformed = errors.New("envelope: malformed frame")

var (
	controlJSON = []byte(`{"cmd":""}`)
	topicJSON   = []byte(`{"id":""}`)
)

// Marshal encodes e in the JSON wire format:
//
//	control: {"cmd":"connect","data":"<client id>"}
//	topic:   {"id":"<topic>","data":[args...],"clientId":"<id>","excludeSelf":true}
func Marshal(e Envelope) ([]byte, error) {
	if e.IsControl() {
		return marshalControl(e)
	}
	if e.IsTopic() {
		return marshalTopic(e)
	}
	return nil, fmt.Errorf("marshal: %w", ErrMalformed)
}

func marshalControl(e Envelope) ([]byte, error) {
	result, err := sjson.SetBytes(controlJSON, "cmd", string(e.Command))
	if err != nil {
		return nil, err
	}
	if e.Payload == nil {
		return result, nil
	}

	data, err := json.Marshal(jsonx.KeepFloats(e.Payload))
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Command, err)
	}
	return sjson.SetRawBytes(result, "data", data)
}

func marshalTopic(e Envelope) ([]byte, error) {
	result, err := sjson.SetBytes(topicJSON, "id", e.Topic)
	if err != nil {
		return nil, err
	}

	args := e.Args
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(jsonx.KeepFloats(args))
	if err != nil {
		return nil, fmt.Errorf("marshal args for %q: %w", e.Topic, err)
	}
	if result, err = sjson.SetRawBytes(result, "data", data); err != nil {
		return nil, err
	}
	if result, err = sjson.SetBytes(result, "clientId", string(e.SenderID)); err != nil {
		return nil, err
	}
	if e.ExcludeSender {
		if result, err = sjson.SetBytes(result, "excludeSelf", true); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Unmarshal decodes a JSON wire frame. JSON integers decode as int, other
// numbers as float64, arrays as []any and objects as map[string]any. Marshal
// always writes floats with a fraction or exponent, so a float sent is a
// float received.
func Unmarshal(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, fmt.Errorf("unmarshal: invalid json: %w", ErrMalformed)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Envelope{}, fmt.Errorf("unmarshal: not an object: %w", ErrMalformed)
	}

	if cmd := root.Get("cmd"); cmd.Exists() && cmd.Type == gjson.String && cmd.Str != "" {
		env := Envelope{Command: Command(cmd.Str)}
		if data := root.Get("data"); data.Exists() {
			env.Payload = jsonx.Value(data)
		}
		return env, nil
	}

	id := root.Get("id")
	if !id.Exists() || id.Type != gjson.String || id.Str == "" {
		return Envelope{}, fmt.Errorf("unmarshal: neither command nor topic: %w", ErrMalformed)
	}

	env := Envelope{
		Topic:         id.Str,
		SenderID:      ClientID(root.Get("clientId").String()),
		ExcludeSender: root.Get("excludeSelf").Bool(),
	}
	if data := root.Get("data"); data.IsArray() {
		items := data.Array()
		env.Args = make([]any, len(items))
		for i, item := range items {
			env.Args[i] = jsonx.Value(item)
		}
	}
	return env, nil
}
