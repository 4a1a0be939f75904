package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSingleCommand(t *testing.T) {
	buf := []byte("*1\r\n$4\r\nPING\r\n")
	cmds, consumed, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"ping"}, cmds[0].Tokens)
	assert.Equal(t, len(buf), cmds[0].ConsumedBytes)
	assert.Equal(t, len(buf), consumed)
}

func TestDecodeLowercasesOnlyVerb(t *testing.T) {
	buf := []byte("*2\r\n$4\r\nECHO\r\n$3\r\nHEY\r\n")
	cmds, _, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"echo", "HEY"}, cmds[0].Tokens)
}

func TestDecodePipelinedFrames(t *testing.T) {
	buf := []byte("*1\r\n$4\r\nPING\r\n*2\r\n$4\r\nECHO\r\n$2\r\nhi\r\n")
	cmds, consumed, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, []string{"ping"}, cmds[0].Tokens)
	assert.Equal(t, []string{"echo", "hi"}, cmds[1].Tokens)
	assert.Equal(t, len(buf), consumed)
}

func TestDecodeIncompleteFrameRetries(t *testing.T) {
	buf := []byte("*2\r\n$4\r\nECHO\r\n$3\r\nhe")
	cmds, consumed, err := Decode(buf)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Empty(t, cmds)
	assert.Equal(t, 0, consumed)
}

func TestDecodeSwallowsLeadingSimpleStringNoise(t *testing.T) {
	buf := []byte("+PONG\r\n")
	cmds, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Empty(t, cmds)
	assert.Equal(t, len(buf), consumed)
}

func TestDecodeSwallowsNoiseThenParsesArray(t *testing.T) {
	buf := []byte("+OK\r\n*1\r\n$4\r\nPING\r\n")
	cmds, consumed, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"ping"}, cmds[0].Tokens)
	assert.Equal(t, len(buf), consumed)
}

func TestDecodeMalformedWrongElementSigilFails(t *testing.T) {
	buf := []byte("*1\r\n:5\r\n")
	_, _, err := Decode(buf)
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*MalformedError))
}

func TestDecodeIncompleteArrayWaitsForMoreElements(t *testing.T) {
	buf := []byte("*2\r\n$4\r\nPING\r\n")
	_, consumed, err := Decode(buf)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 0, consumed)
}

func TestDecodeMalformedMissingTrailingCRLFFails(t *testing.T) {
	buf := []byte("*1\r\n$4\r\nPINGXX")
	_, _, err := Decode(buf)
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*MalformedError))
}

func TestDecodeRoundTripsBinarySafeBulk(t *testing.T) {
	payload := "\x00\x01\r\n\xff"
	buf := EncodeArray([]string{"SET", "k", payload})
	cmds, consumed, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"set", "k", payload}, cmds[0].Tokens)
	assert.Equal(t, len(buf), consumed)
}

func TestEncodeSimpleString(t *testing.T) {
	assert.Equal(t, []byte("+PONG\r\n"), EncodeSimpleString("PONG"))
}

func TestEncodeBulkString(t *testing.T) {
	assert.Equal(t, []byte("$3\r\nbar\r\n"), EncodeBulkString("bar"))
}

func TestEncodeNullBulkString(t *testing.T) {
	assert.Equal(t, []byte("$-1\r\n"), EncodeNullBulkString())
}

func TestEncodeArray(t *testing.T) {
	assert.Equal(t, []byte("*2\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"), EncodeArray([]string{"foo", "bar"}))
}

func TestEmptyRDBFrameHasNoTrailingCRLF(t *testing.T) {
	frame := EncodeEmptyRDBFrame()
	rdb := EmptyRDB()
	assert.Len(t, rdb, 88)
	want := append([]byte("$88\r\n"), rdb...)
	assert.Equal(t, want, frame)
}
