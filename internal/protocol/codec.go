package protocol

import "encoding/json"

// Encode serializes an Envelope to a single line of JSON, newline-delimited
// framing for stream-oriented channels (process stdin/stdout).
func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode parses one JSON-encoded Envelope. The caller is responsible for
// framing (e.g. splitting on newlines); Decode does not consume a trailing
// delimiter itself.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// MarshalError converts a Go error into the wire ErrorFrame shape. If err is
// already an *ErrorFrame (round-tripped), it is returned unchanged. Errors
// implementing FieldsProvider contribute their own-enumerable fields.
func MarshalError(err error) *ErrorFrame {
	if err == nil {
		return nil
	}
	if ef, ok := err.(*ErrorFrame); ok {
		return ef
	}
	frame := &ErrorFrame{
		Name:    errorName(err),
		Message: err.Error(),
	}
	if fp, ok := err.(FieldsProvider); ok {
		frame.Fields = fp.Fields()
	}
	if sp, ok := err.(StackProvider); ok {
		frame.Stack = sp.Stack()
	}
	return frame
}

// FieldsProvider is implemented by errors that carry additional
// own-enumerable fields that must survive marshalling across the wire.
type FieldsProvider interface {
	Fields() map[string]any
}

// StackProvider is implemented by errors that capture a stack trace at
// construction time.
type StackProvider interface {
	Stack() string
}

// NamedError is implemented by errors that want an explicit wire Name
// distinct from their Go type name (e.g. the taxonomy in §7).
type NamedError interface {
	ErrorName() string
}

func errorName(err error) string {
	if ne, ok := err.(NamedError); ok {
		return ne.ErrorName()
	}
	return "Error"
}
