package messages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventTranscription(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"transcription","text":"hello there","is_final":true,"end_of_turn":true}`))
	require.NoError(t, err)

	assert.Equal(t, TypeTranscription, ev.Type)
	assert.Equal(t, "hello there", ev.Text)
	assert.True(t, ev.IsFinal)
}

func TestParseEventRejectsGarbage(t *testing.T) {
	_, err := ParseEvent([]byte(`{not json`))
	assert.Error(t, err)
}

func TestParseEventKeepsUnknownTypes(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"turn_end","message":"User stopped talking"}`))
	require.NoError(t, err)
	assert.Equal(t, "turn_end", ev.Type)
}

func TestTextIncrementShapes(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"text", Event{Type: TypeLLMResponseText, Text: "a", Delta: "b", Message: "c"}, "a"},
		{"delta", Event{Type: TypeResponseTextDelta, Delta: "b", Message: "c"}, "b"},
		{"message", Event{Type: TypeLLMResponse, Message: "c"}, "c"},
		{"empty", Event{Type: TypeLLMResponse}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ev.TextIncrement())
		})
	}
}

func TestAudioPayloadFallsBackToLegacyField(t *testing.T) {
	assert.Equal(t, "QUJD", (&Event{Audio: "QUJD", AudioData: "x"}).AudioPayload())
	assert.Equal(t, "x", (&Event{AudioData: "x"}).AudioPayload())
}

func TestSessionMessageEncoding(t *testing.T) {
	raw, err := NewSessionMessage("abc").Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"session","session_id":"abc"}`, string(raw))
}

func TestAudioChunkEventEncoding(t *testing.T) {
	raw, err := NewAudioChunkEvent(3, "UklGRg==").Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"audio_chunk","chunk_index":3,"audio":"UklGRg=="}`, string(raw))
}
