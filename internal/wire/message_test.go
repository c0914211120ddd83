package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	bridgeerrors "github.com/wagiedev/hostbridge-go/internal/errors"
)

func TestDecode_Classification(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		kind  Kind
	}{
		{"numeric id request", `{"jsonrpc":"2.0","method":"ping","id":1}`, KindRequest},
		{"string id request", `{"jsonrpc":"2.0","method":"ping","id":"abc"}`, KindRequest},
		{"absent id", `{"jsonrpc":"2.0","method":"ping"}`, KindNotification},
		{"null id", `{"jsonrpc":"2.0","method":"ping","id":null}`, KindNotification},
		{"result response", `{"jsonrpc":"2.0","id":"x","result":{"ok":true}}`, KindResponse},
		{"null result response", `{"jsonrpc":"2.0","id":"x","result":null}`, KindResponse},
		{"error response", `{"jsonrpc":"2.0","id":7,"error":{"code":-32603,"message":"boom"}}`, KindResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, _, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			require.Equal(t, tt.kind, msg.Kind())
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		code  int
		id    string
	}{
		{"truncated", `{"jsonrpc":"2.0","method":`, CodeParseError, ""},
		{"garbage", `not json`, CodeParseError, ""},
		{"array", `[1,2]`, CodeInvalidRequest, ""},
		{"object id", `{"jsonrpc":"2.0","method":"ping","id":{}}`, CodeInvalidRequest, ""},
		{"bool id", `{"jsonrpc":"2.0","method":"ping","id":true}`, CodeInvalidRequest, ""},
		{"numeric method", `{"jsonrpc":"2.0","method":5,"id":3}`, CodeInvalidRequest, "3"},
		{"wrong version", `{"jsonrpc":"1.0","method":"ping","id":1}`, CodeInvalidRequest, "1"},
		{"empty envelope", `{"jsonrpc":"2.0","id":"a"}`, CodeInvalidRequest, `"a"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, code, err := Decode([]byte(tt.frame))
			require.Equal(t, tt.code, code)

			var decodeErr *bridgeerrors.FrameDecodeError

			require.True(t, errors.As(err, &decodeErr))
			require.Equal(t, tt.frame, decodeErr.RawData)

			if tt.id == "" {
				require.True(t, msg == nil || msg.ID.IsZero())

				return
			}

			require.NotNil(t, msg)
			require.Equal(t, tt.id, msg.ID.Key())
		})
	}
}

func TestDecode_VersionMemberOptional(t *testing.T) {
	msg, _, err := Decode([]byte(`{"method":"ping","params":{"message":"hi"},"id":1}`))
	require.NoError(t, err)
	require.Equal(t, KindRequest, msg.Kind())
	require.Equal(t, "ping", msg.Method)
	require.Equal(t, "1", msg.ID.Key())
	require.JSONEq(t, `{"message":"hi"}`, string(msg.Params))
}

func TestDecode_NullResultResolves(t *testing.T) {
	msg, _, err := Decode([]byte(`{"jsonrpc":"2.0","id":"x","result":null}`))
	require.NoError(t, err)
	require.Equal(t, KindResponse, msg.Kind())
	require.Equal(t, json.RawMessage("null"), msg.Result)
	require.Nil(t, msg.Error)
}

func TestResponse_EchoesIDType(t *testing.T) {
	for _, raw := range []string{`1`, `"1"`, `-42`, `"01HZY"`, `1.5`} {
		msg, _, err := Decode([]byte(`{"jsonrpc":"2.0","method":"ping","id":` + raw + `}`))
		require.NoError(t, err)

		resp, err := NewResult(msg.ID, map[string]any{"ok": true})
		require.NoError(t, err)

		data, err := json.Marshal(resp)
		require.NoError(t, err)

		var echoed map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &echoed))
		require.Equal(t, raw, string(echoed["id"]), "id must round-trip with its wire type")
		require.JSONEq(t, `"2.0"`, string(echoed["jsonrpc"]))
	}
}

func TestNewErrorResponse_NullID(t *testing.T) {
	resp := NewErrorResponse(ID{}, CodeParseError, "Parse error", map[string]any{"detail": "bad"})

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error","data":{"detail":"bad"}}}`,
		string(data),
	)
}

func TestNewResult_NilEncodesNull(t *testing.T) {
	resp, err := NewResult(NumberID(3), nil)
	require.NoError(t, err)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":3,"result":null}`, string(data))
}

func TestNotification_OmitsID(t *testing.T) {
	data, err := json.Marshal(NewNotification("notifications/capabilities_changed", nil))
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/capabilities_changed"}`, string(data))
}

func TestID_StringAndKey(t *testing.T) {
	num := NumberID(1)
	str := StringID("1")

	require.Equal(t, "1", num.String())
	require.Equal(t, "1", str.String())
	require.NotEqual(t, num.Key(), str.Key())
	require.True(t, str.IsString())
	require.False(t, num.IsString())
	require.True(t, ID{}.IsZero())
}

func TestAdvisoryTimeout(t *testing.T) {
	require.InDelta(t, 12.5, AdvisoryTimeout(json.RawMessage(`{"timeout":12.5}`)), 0.001)
	require.Zero(t, AdvisoryTimeout(json.RawMessage(`{"timeout":-1}`)))
	require.Zero(t, AdvisoryTimeout(json.RawMessage(`{"timeout":"soon"}`)))
	require.Zero(t, AdvisoryTimeout(json.RawMessage(`[1]`)))
	require.Zero(t, AdvisoryTimeout(nil))
}
