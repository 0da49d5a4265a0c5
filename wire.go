package backplane

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

// Invocation is the wire record of "call Method with Args" sent to a topic.
// Both wire records are encoded as msgpack arrays, so decoding does not
// depend on field names.
//
// Args come back with msgpack's loose types: integers decode as int64 (or
// uint64 for values msgpack stored unsigned) and floats as float64, so an
// int sent is an int64 received.
type Invocation struct {
	_msgpack struct{} `msgpack:",as_array"`

	Method                string
	Args                  []any
	ExcludedConnectionIDs []string
}

// Excludes reports whether connectionID is in the exclusion list.
func (inv *Invocation) Excludes(connectionID string) bool {
	for _, id := range inv.ExcludedConnectionIDs {
		if id == connectionID {
			return true
		}
	}
	return false
}

// GroupAction is the membership change a GroupCommand requests.
type GroupAction uint8

const (
	GroupActionAdd GroupAction = iota
	GroupActionRemove
)

// String implements fmt.Stringer.
func (a GroupAction) String() string {
	switch a {
	case GroupActionAdd:
		return "add"
	case GroupActionRemove:
		return "remove"
	default:
		return "GroupAction(" + strconv.Itoa(int(a)) + ")"
	}
}

// GroupCommand asks the process owning ConnectionID to change its membership
// in Group. ID correlates the acknowledgement and is unique per sender.
type GroupCommand struct {
	_msgpack struct{} `msgpack:",as_array"`

	ID           uint64
	ServerName   string
	Action       GroupAction
	Group        string
	ConnectionID string
}

// EncodeInvocation encodes inv for publishing.
func EncodeInvocation(inv *Invocation) ([]byte, error) {
	return encode(inv)
}

// DecodeInvocation decodes a published invocation; a missing method is ErrDecode.
func DecodeInvocation(data []byte) (*Invocation, error) {
	var inv Invocation
	if err := decode(data, &inv); err != nil {
		return nil, err
	}
	if inv.Method == "" {
		return nil, fmt.Errorf("%w: invocation without method", ErrDecode)
	}
	return &inv, nil
}

// EncodeGroupCommand encodes cmd for the management topic.
func EncodeGroupCommand(cmd *GroupCommand) ([]byte, error) {
	return encode(cmd)
}

// DecodeGroupCommand decodes and validates a group command.
func DecodeGroupCommand(data []byte) (*GroupCommand, error) {
	var cmd GroupCommand
	if err := decode(data, &cmd); err != nil {
		return nil, err
	}
	if cmd.Action != GroupActionAdd && cmd.Action != GroupActionRemove {
		return nil, fmt.Errorf("%w: unknown group action %d", ErrDecode, cmd.Action)
	}
	if cmd.ConnectionID == "" || cmd.Group == "" {
		return nil, fmt.Errorf("%w: group command without connection or group", ErrDecode)
	}
	return &cmd, nil
}

// encodeAck and decodeAck carry the correlation id back to the requester.
func encodeAck(id uint64) []byte {
	return strconv.AppendUint(nil, id, 10)
}

func decodeAck(data []byte) (uint64, error) {
	id, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: ack %q", ErrDecode, data)
	}
	return id, nil
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("backplane: encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %T: %v", ErrDecode, v, err)
	}
	return nil
}
