package iccom

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// PostTyped CBOR-marshals v and posts the result on channel, the typed
// convenience layer the teacher's writeUARTMessage offered over its own
// byte-oriented framing.
func (e *Engine) PostTyped(channel uint16, v any, priority uint8) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("iccom: marshal CBOR: %w", err)
	}
	return e.PostMessage(channel, data, priority)
}

// ReadTyped pops the oldest ready message on channel and CBOR-unmarshals
// it into v. Returns (false, nil) if no message is ready.
func (e *Engine) ReadTyped(channel uint16, v any) (bool, error) {
	data, _, err := e.ReadMessage(channel)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("iccom: unmarshal CBOR: %w", err)
	}
	return true, nil
}
