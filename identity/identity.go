// Package identity resolves the stable session identifier carried in the
// client's address.
package identity

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// QueryParam is the address query parameter carrying the session identifier
const QueryParam = "session_id"

// Session identifies one conversation with the endpoint
type Session struct {
	ID string
}

// Location is the address the client was started with. Replace rewrites it in
// place: nothing is reloaded and no history is kept.
type Location interface {
	Current() (*url.URL, error)
	Replace(u *url.URL) error
}

// Resolver reads or creates the session identifier of a Location
type Resolver struct {
	loc   Location
	newID func() string

	mu      sync.Mutex
	session *Session
}

// NewResolver creates a resolver generating UUIDv4 identifiers
func NewResolver(loc Location) *Resolver {
	return &Resolver{loc: loc, newID: uuid.NewString}
}

// Resolve returns the session of the current address, creating and writing
// one back when the address has none. Repeated calls return the same session.
func (r *Resolver) Resolve() (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil {
		return *r.session, nil
	}

	u, err := r.loc.Current()
	if err != nil {
		return Session{}, fmt.Errorf("failed to read address: %w", err)
	}

	q := u.Query()
	id := strings.TrimSpace(q.Get(QueryParam))
	if id == "" {
		id = r.newID()
		q.Set(QueryParam, id)
		rewritten := *u
		rewritten.RawQuery = q.Encode()
		if err := r.loc.Replace(&rewritten); err != nil {
			return Session{}, fmt.Errorf("failed to rewrite address: %w", err)
		}
	}

	r.session = &Session{ID: id}
	return *r.session, nil
}

// MemoryLocation keeps the address in memory
type MemoryLocation struct {
	mu       sync.Mutex
	u        url.URL
	replaced int
}

// NewMemoryLocation parses raw as the initial address
func NewMemoryLocation(raw string) (*MemoryLocation, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	return &MemoryLocation{u: *u}, nil
}

// Current returns a copy of the address
func (m *MemoryLocation) Current() (*url.URL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.u
	return &u, nil
}

// Replace swaps the address
func (m *MemoryLocation) Replace(u *url.URL) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.u = *u
	m.replaced++
	return nil
}

// Replacements reports how many times the address was rewritten
func (m *MemoryLocation) Replacements() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaced
}

// FileLocation persists the address in a file so a restarted client reuses
// the session. Until the file exists the fallback address is used.
type FileLocation struct {
	Path     string
	Fallback string
}

// Current reads the stored address or the fallback
func (f *FileLocation) Current() (*url.URL, error) {
	raw := f.Fallback
	data, err := os.ReadFile(f.Path)
	switch {
	case err == nil:
		if s := strings.TrimSpace(string(data)); s != "" {
			raw = s
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	return url.Parse(raw)
}

// Replace writes the address to the file
func (f *FileLocation) Replace(u *url.URL) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.Path, []byte(u.String()+"\n"), 0o644)
}
