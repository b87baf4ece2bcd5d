package display

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsoleWritesLines(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)

	c.Status("Connected. Speak now!", LevelActive)
	c.Transcript("hello", false)
	c.Response("Hi there")

	out := buf.String()
	assert.Contains(t, out, "Connected. Speak now!")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "Hi there")
	assert.Equal(t, 3, bytes.Count(buf.Bytes(), []byte("\n")))
}

func TestMemoryTracksLatest(t *testing.T) {
	m := NewMemory()
	m.Status("Idle", LevelIdle)
	m.Status("Error: boom", LevelError)
	m.Transcript("hi", true)
	m.Response("answer")

	text, level := m.StatusText()
	assert.Equal(t, "Error: boom", text)
	assert.Equal(t, LevelError, level)
	assert.Equal(t, []string{"Idle", "Error: boom"}, m.Statuses())

	tr, final := m.TranscriptText()
	assert.Equal(t, "hi", tr)
	assert.True(t, final)

	m.Clear()
	tr, _ = m.TranscriptText()
	assert.Empty(t, tr)
	assert.Empty(t, m.ResponseText())
}
