// Package display renders session status, live transcription and the
// assistant's response text.
package display

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Level tints a status line
type Level int

const (
	LevelIdle Level = iota
	LevelActive
	LevelError
)

// Surface receives everything the user should see
type Surface interface {
	Status(text string, level Level)
	Transcript(text string, final bool)
	Response(text string)
	Clear()
}

type consoleStyles struct {
	label     lipgloss.Style
	idle      lipgloss.Style
	active    lipgloss.Style
	err       lipgloss.Style
	interim   lipgloss.Style
	final     lipgloss.Style
	assistant lipgloss.Style
	response  lipgloss.Style
}

func buildStyles() consoleStyles {
	return consoleStyles{
		label: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")),
		idle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A0A0A0")),
		active: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")),
		err: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF5F87")),
		interim: lipgloss.NewStyle().
			Italic(true).
			Foreground(lipgloss.Color("#A0A0A0")),
		final: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")),
		assistant: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#3C9AFF")),
		response: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")),
	}
}

// Console writes one styled line per update
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	styles consoleStyles
}

// NewConsole creates a console surface writing to out
func NewConsole(out io.Writer) *Console {
	return &Console{out: out, styles: buildStyles()}
}

func (c *Console) Status(text string, level Level) {
	style := c.styles.idle
	switch level {
	case LevelActive:
		style = c.styles.active
	case LevelError:
		style = c.styles.err
	}
	c.println(c.styles.label.Render("status"), style.Render(text))
}

func (c *Console) Transcript(text string, final bool) {
	style := c.styles.interim
	if final {
		style = c.styles.final
	}
	c.println(c.styles.label.Render("you"), style.Render(text))
}

func (c *Console) Response(text string) {
	c.println(c.styles.assistant.Render("assistant"), c.styles.response.Render(text))
}

func (c *Console) Clear() {
	c.println(c.styles.idle.Render("---"))
}

func (c *Console) println(parts ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, parts...)
}

// Memory keeps the latest value of every display area. It backs headless runs.
type Memory struct {
	mu          sync.Mutex
	status      string
	level       Level
	transcript  string
	final       bool
	response    string
	statusTrail []string
}

// NewMemory creates an empty memory surface
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Status(text string, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = text
	m.level = level
	m.statusTrail = append(m.statusTrail, text)
}

func (m *Memory) Transcript(text string, final bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcript = text
	m.final = final
}

func (m *Memory) Response(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = text
}

func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcript = ""
	m.final = false
	m.response = ""
}

// StatusText returns the current status line and its level
func (m *Memory) StatusText() (string, Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.level
}

// Statuses returns every status shown so far
func (m *Memory) Statuses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.statusTrail))
	copy(out, m.statusTrail)
	return out
}

// TranscriptText returns the transcription area and whether it is final
func (m *Memory) TranscriptText() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcript, m.final
}

// ResponseText returns the response area
func (m *Memory) ResponseText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.response
}
