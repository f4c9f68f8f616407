package envelope

import (
	"github.com/invopop/jsonschema"
)

// Wire documents the JSON frame produced by Marshal. It is used to derive the
// published schema; encoding and decoding do not go through it.
type Wire struct {
	Command     Command  `json:"cmd,omitempty" jsonschema:"enum=connect,enum=disconnect,enum=client-count-request,enum=client-count-reply,enum=log,description=Control command. Present only on control envelopes."`
	Data        any      `json:"data,omitempty" jsonschema:"description=Control payload or the ordered topic arguments."`
	Topic       string   `json:"id,omitempty" jsonschema:"description=Topic. Present only on topic envelopes."`
	ClientID    ClientID `json:"clientId,omitempty" jsonschema:"description=Id of the publishing context."`
	ExcludeSelf bool     `json:"excludeSelf,omitempty" jsonschema:"description=When true the publishing context does not receive its own message."`
}

// Schema returns the JSON schema of the wire frame.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(&Wire{})
	s.Title = "underground envelope"
	return s
}
