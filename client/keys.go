package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/room4-2/livevoice/messages"
)

// KeysPath is the endpoint path accepting credentials
const KeysPath = "/set_keys"

// ErrMissingKeys is returned when a credential field is empty
var ErrMissingKeys = errors.New("all keys are required")

// Keys are the credentials the endpoint needs to reach its providers
type Keys struct {
	Gemini string
}

// SubmitKeys sends the credentials for this session to the endpoint. Start
// is allowed once they were accepted.
func (s *Session) SubmitKeys(ctx context.Context, keys Keys) error {
	if strings.TrimSpace(keys.Gemini) == "" {
		return ErrMissingKeys
	}

	body, err := sonic.Marshal(messages.KeysRequest{Gemini: keys.Gemini, SessionID: s.id})
	if err != nil {
		return err
	}

	endpoint := url.URL{Scheme: s.address.Scheme, Host: s.address.Host, Path: KeysPath}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to submit keys: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read keys response: %w", err)
	}
	var kr messages.KeysResponse
	if err := sonic.Unmarshal(raw, &kr); err != nil {
		return fmt.Errorf("invalid keys response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || kr.Status != "success" {
		msg := kr.Error
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("keys rejected: %s", msg)
	}

	s.mu.Lock()
	s.keysSet = true
	s.mu.Unlock()
	s.logger.Info().Msg("Keys accepted")
	return nil
}

// KeysSet reports whether the endpoint accepted credentials
func (s *Session) KeysSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keysSet
}

// MarkKeysSubmitted opens the gate for keys the endpoint already holds for
// this session id, such as ones sent by an earlier process.
func (s *Session) MarkKeysSubmitted() {
	s.mu.Lock()
	s.keysSet = true
	s.mu.Unlock()
}
