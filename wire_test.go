package backplane

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestInvocationRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		inv  Invocation
	}{
		{name: "no args", inv: Invocation{Method: "ping"}},
		{name: "scalars", inv: Invocation{Method: "update", Args: []any{"hello", int64(7), true, 1.5, nil}}},
		{name: "nested list", inv: Invocation{Method: "batch", Args: []any{[]any{"a", int64(-2)}}}},
		{name: "excluded", inv: Invocation{Method: "notify", Args: []any{"x"}, ExcludedConnectionIDs: []string{"c1", "c2"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeInvocation(&tt.inv)
			require.NoError(t, err)

			got, err := DecodeInvocation(data)
			require.NoError(t, err)
			assert.Equal(t, tt.inv, *got)
		})
	}
}

func TestGroupCommandRoundTrip(t *testing.T) {
	for _, action := range []GroupAction{GroupActionAdd, GroupActionRemove} {
		cmd := GroupCommand{
			ID:           1<<63 + 5,
			ServerName:   "host_0123",
			Action:       action,
			Group:        "room1",
			ConnectionID: "conn-1",
		}
		data, err := EncodeGroupCommand(&cmd)
		require.NoError(t, err)

		got, err := DecodeGroupCommand(data)
		require.NoError(t, err)
		assert.Equal(t, cmd, *got)
	}
}

func TestWireFormatIsPositional(t *testing.T) {
	data, err := EncodeGroupCommand(&GroupCommand{ID: 9, ServerName: "s", Action: GroupActionRemove, Group: "g", ConnectionID: "c"})
	require.NoError(t, err)

	var raw []any
	require.NoError(t, msgpack.Unmarshal(data, &raw))
	require.Len(t, raw, 5)
	assert.EqualValues(t, 9, raw[0])
	assert.Equal(t, "s", raw[1])
	assert.EqualValues(t, 1, raw[2])
	assert.Equal(t, "g", raw[3])
	assert.Equal(t, "c", raw[4])
}

func TestDecodeErrors(t *testing.T) {
	_, err := DecodeInvocation([]byte{0xc1})
	assert.True(t, errors.Is(err, ErrDecode), "garbage: %v", err)

	empty, _ := EncodeInvocation(&Invocation{})
	_, err = DecodeInvocation(empty)
	assert.True(t, errors.Is(err, ErrDecode), "no method: %v", err)

	bad, _ := EncodeGroupCommand(&GroupCommand{ID: 1, Action: GroupAction(9), Group: "g", ConnectionID: "c"})
	_, err = DecodeGroupCommand(bad)
	assert.True(t, errors.Is(err, ErrDecode), "bad action: %v", err)

	_, err = DecodeGroupCommand([]byte("not msgpack at all"))
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestAck(t *testing.T) {
	id, err := decodeAck(encodeAck(42))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)

	_, err = decodeAck([]byte("x"))
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestGroupActionString(t *testing.T) {
	assert.Equal(t, "add", GroupActionAdd.String())
	assert.Equal(t, "remove", GroupActionRemove.String())
	assert.Equal(t, "GroupAction(7)", GroupAction(7).String())
}

func TestInvocationArgsAreNormalized(t *testing.T) {
	data, err := EncodeInvocation(&Invocation{
		Method: "m",
		Args:   []any{7, int8(-3), -70000, float32(0.5)},
	})
	require.NoError(t, err)

	got, err := DecodeInvocation(data)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(7), int64(-3), int64(-70000), float64(0.5)}, got.Args)
}
