package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Register(t *testing.T) {
	raw := []byte(`{"type":"Register","session_id":"abc","session_name":"fix bug","auth_token":"jwt","working_directory":"/tmp","resuming":true,"agent_type":"claude"}`)
	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeRegister, f.Type)
	assert.Equal(t, "abc", f.SessionID)
	assert.True(t, f.Resuming)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"Bogus"}`))
	assert.Error(t, err)
}

func TestDecode_MissingType(t *testing.T) {
	_, err := Decode([]byte(`{"session_id":"abc"}`))
	assert.Error(t, err)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	f := &Frame{Type: TypeSequencedOutput, SessionID: "abc", Seq: 5, Content: "hello"}
	b, err := f.Encode()
	require.NoError(t, err)

	decoded, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, f.SessionID, decoded.SessionID)
	assert.Equal(t, f.Seq, decoded.Seq)
	assert.Equal(t, f.Content, decoded.Content)
}
