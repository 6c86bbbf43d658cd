package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned (wrapped) for frames that do not decode to a
// well-formed message.
var ErrMalformed = errors.New("malformed frame")

// Codec turns messages into frames and back. Decode must report malformed
// input as an error, never panic.
type Codec interface {
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

// JSONCodec frames messages as JSON objects with a "type" discriminator.
type JSONCodec struct{}

// Encode implements Codec.
func (JSONCodec) Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("encode: nil message")
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: body is not an object", m.MessageType())
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	typ, _ := json.Marshal(string(m.MessageType()))
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

// Decode implements Codec.
func (JSONCodec) Decode(frame []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg Message
		err error
	)
	switch head.Type {
	case TypeInit:
		var m Init
		err = json.Unmarshal(frame, &m)
		if err == nil && m.Version == "" {
			err = errors.New("init without version")
		}
		msg = m
	case TypeTransition:
		var m Transition
		err = json.Unmarshal(frame, &m)
		if err == nil && (m.Action == "" || m.Impact == "") {
			err = errors.New("transition without action or impact")
		}
		msg = m
	case TypePing:
		msg = Ping{}
	case TypePong:
		msg = Pong{}
	case TypeResolve:
		var m Resolve
		err = requireID(frame)
		if err == nil {
			err = json.Unmarshal(frame, &m)
		}
		msg = m
	case TypeReject:
		var m Reject
		err = requireID(frame)
		if err == nil {
			err = json.Unmarshal(frame, &m)
		}
		msg = m
	case TypePatch:
		var m Patch
		err = json.Unmarshal(frame, &m)
		msg = m
	case "":
		err = errors.New("missing type")
	default:
		err = fmt.Errorf("unknown type %q", head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

// requireID rejects resolve/reject frames that do not address a runner; a
// missing id must not silently address runner 0.
func requireID(frame []byte) error {
	var probe struct {
		ID *uint64 `json:"id"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return err
	}
	if probe.ID == nil {
		return errors.New("missing id")
	}
	return nil
}
