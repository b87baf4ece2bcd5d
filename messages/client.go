package messages

import "github.com/bytedance/sonic"

// EOF is the text sentinel a client sends when it stops streaming
const EOF = "EOF"

// TypeSession tags the session-initiation message
const TypeSession = "session"

// SessionMessage is sent once by the client right after the channel opens
type SessionMessage struct {
	Type      string `json:"type"` // always "session"
	SessionID string `json:"session_id"`
}

// NewSessionMessage creates the session-initiation message
func NewSessionMessage(sessionID string) *SessionMessage {
	return &SessionMessage{Type: TypeSession, SessionID: sessionID}
}

// Encode returns the JSON form of the message
func (m *SessionMessage) Encode() ([]byte, error) {
	return sonic.Marshal(m)
}

// KeysRequest is the body of POST /set_keys
type KeysRequest struct {
	Gemini    string `json:"gemini"`
	SessionID string `json:"session_id"`
}

// KeysResponse is returned by /set_keys
type KeysResponse struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}
