package bus

import (
	"encoding/json"
	"fmt"
)

// Encode renders a Signal as the wire format spec.md §4.1 specifies: a JSON
// array [name, args].
func Encode(sig Signal) ([]byte, error) {
	args := sig.Args
	if args == nil {
		args = []any{}
	}
	return json.Marshal([2]any{sig.Name, args})
}

// Decode parses the JSON array [name, args] wire format back into a Signal.
// Malformed payloads are reported as an error; callers are expected to log
// and drop per spec.md §4.1 ("malformed messages are logged and dropped").
func Decode(data []byte) (Signal, error) {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Signal{}, fmt.Errorf("decode signal envelope: %w", err)
	}

	var name string
	if err := json.Unmarshal(raw[0], &name); err != nil {
		return Signal{}, fmt.Errorf("decode signal name: %w", err)
	}

	var args []json.RawMessage
	if err := json.Unmarshal(raw[1], &args); err != nil {
		return Signal{}, fmt.Errorf("decode signal args: %w", err)
	}

	anyArgs := make([]any, len(args))
	for i, a := range args {
		var v any
		if err := json.Unmarshal(a, &v); err != nil {
			return Signal{}, fmt.Errorf("decode signal arg %d: %w", i, err)
		}
		anyArgs[i] = v
	}

	return Signal{Name: name, Args: anyArgs}, nil
}

// DecodeArg re-marshals and unmarshals a positional argument into a concrete
// type; args come back from Decode as `any` (map[string]any for objects)
// since the wire format carries no type information beyond JSON's own.
func DecodeArg(arg any, out any) error {
	data, err := json.Marshal(arg)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
