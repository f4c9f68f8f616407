// Package envelope defines the message unit exchanged between a context and
// the broker, together with its JSON wire codec.
//
// There are two disjoint kinds of envelopes:
//   - Control: a Command with an optional Payload. Control envelopes are
//     answered or consumed by the receiving end and never relayed.
//   - Topic: a Topic with ordered Args, the SenderID and the ExcludeSender
//     flag. The broker relays topic envelopes verbatim.
//
// The wire format keeps the field names of the browser protocol
// (cmd, data, id, clientId, excludeSelf) so frames stay readable by
// non-Go peers. Schema returns the JSON schema for those frames.
//
// Example usage:
//
//	env := envelope.Broadcast(id, "ping", 42)
//	frame, err := envelope.Marshal(env)
//	if err != nil {
//	    return err
//	}
//	back, err := envelope.Unmarshal(frame)
package envelope
