// Package messages defines the JSON messages exchanged between the voice
// client and the processing endpoint.
package messages

import (
	"github.com/bytedance/sonic"
)

// Message types sent by the endpoint
const (
	TypeStatus            = "status"
	TypeTranscription     = "transcription"
	TypeLLMResponseText   = "llm_response_text"
	TypeLLMResponse       = "llm_response"
	TypeResponseTextDelta = "response.text.delta"
	TypeAudioChunk        = "audio_chunk"
	TypeAudioComplete     = "audio_complete"
	TypeError             = "error"
)

// Event is the envelope of every inbound message. Only the fields relevant to
// Type are populated; unknown types are valid and carry no meaning.
type Event struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`

	// transcription and text deltas
	Text      string `json:"text,omitempty"`
	Delta     string `json:"delta,omitempty"`
	IsFinal   bool   `json:"is_final,omitempty"`
	EndOfTurn bool   `json:"end_of_turn,omitempty"`

	// audio
	Audio       string `json:"audio,omitempty"`      // Base64 encoded audio container (WAV/MP3)
	AudioData   string `json:"audio_data,omitempty"` // legacy name for Audio
	ChunkIndex  int    `json:"chunk_index,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
}

// ParseEvent decodes a raw inbound message
func ParseEvent(raw []byte) (*Event, error) {
	var ev Event
	if err := sonic.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Encode returns the JSON form of the event
func (e *Event) Encode() ([]byte, error) {
	return sonic.Marshal(e)
}

// TextIncrement normalizes the three accepted response-text shapes
func (e *Event) TextIncrement() string {
	switch {
	case e.Text != "":
		return e.Text
	case e.Delta != "":
		return e.Delta
	default:
		return e.Message
	}
}

// AudioPayload returns the base64 audio regardless of the field name used
func (e *Event) AudioPayload() string {
	if e.Audio != "" {
		return e.Audio
	}
	return e.AudioData
}

// NewStatusEvent creates a status message
func NewStatusEvent(message string) *Event {
	return &Event{Type: TypeStatus, Message: message}
}

// NewTranscriptionEvent creates an interim or final transcription
func NewTranscriptionEvent(text string, final bool) *Event {
	return &Event{Type: TypeTranscription, Text: text, IsFinal: final, EndOfTurn: final}
}

// NewResponseTextEvent creates a response text increment
func NewResponseTextEvent(text string) *Event {
	return &Event{Type: TypeLLMResponseText, Text: text}
}

// NewAudioChunkEvent creates an audio chunk message
func NewAudioChunkEvent(index int, b64Audio string) *Event {
	return &Event{Type: TypeAudioChunk, ChunkIndex: index, Audio: b64Audio}
}

// NewAudioCompleteEvent creates the end-of-audio message
func NewAudioCompleteEvent(totalChunks int) *Event {
	return &Event{Type: TypeAudioComplete, Message: "Audio streaming completed", TotalChunks: totalChunks}
}

// NewErrorEvent creates an error message
func NewErrorEvent(message string) *Event {
	return &Event{Type: TypeError, Message: message}
}
