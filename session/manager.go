package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/room4-2/livevoice/config"
	"github.com/room4-2/livevoice/gemini"
	"github.com/room4-2/livevoice/metrics"
)

// ErrMaxSessions is returned when the endpoint is at capacity
var ErrMaxSessions = errors.New("maximum sessions reached")

// ErrMissingKeys is returned by SetKeys for an empty key
var ErrMissingKeys = errors.New("all keys are required")

// Manager manages all client sessions
type Manager struct {
	sessions map[string]*ClientSession
	mu       sync.RWMutex
	redis    *redis.Client
	config   *config.Config
	dial     UpstreamDialer
	logger   zerolog.Logger
	metrics  *metrics.Server

	keysMu     sync.RWMutex
	defaultKey string
	keys       map[string]string // per session id
}

// NewManager creates a session manager. Redis mirrors the session registry
// when REDIS_URL is reachable; without it sessions live in memory only.
func NewManager(cfg *config.Config, logger zerolog.Logger, m *metrics.Server) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger = logger.With().Str("component", "sessions").Logger()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       0,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisURL).Msg("Redis unavailable, keeping sessions in memory")
			redisClient.Close()
			redisClient = nil
		}
	}

	return &Manager{
		sessions:   make(map[string]*ClientSession),
		redis:      redisClient,
		config:     cfg,
		dial:       GeminiDialer(cfg, logger),
		logger:     logger,
		metrics:    m,
		defaultKey: cfg.GeminiAPIKey,
		keys:       make(map[string]string),
	}, nil
}

// GeminiDialer connects upstreams to Gemini Live with the configured model
func GeminiDialer(cfg *config.Config, logger zerolog.Logger) UpstreamDialer {
	return func(ctx context.Context, apiKey string, h gemini.Handlers) (Upstream, error) {
		proxy, err := gemini.Dial(ctx, gemini.Options{
			APIKey: apiKey,
			Model:  cfg.Model,
			Voice:  cfg.Voice,
			Logger: logger,
		}, DefaultSystemPrompt, h)
		if err != nil {
			return nil, err
		}
		return proxy, nil
	}
}

// SetDialer replaces how upstreams are opened
func (sm *Manager) SetDialer(d UpstreamDialer) {
	sm.mu.Lock()
	sm.dial = d
	sm.mu.Unlock()
}

// SetKeys stores the Gemini key for a session. Without a session id the key
// becomes the default for every session.
func (sm *Manager) SetKeys(ctx context.Context, sessionID, geminiKey string) error {
	geminiKey = strings.TrimSpace(geminiKey)
	if geminiKey == "" {
		return ErrMissingKeys
	}

	sm.keysMu.Lock()
	if sessionID == "" {
		sm.defaultKey = geminiKey
	} else {
		sm.keys[sessionID] = geminiKey
	}
	sm.keysMu.Unlock()

	if sm.redis != nil && sessionID != "" {
		key := "session:" + sessionID
		if err := sm.redis.HSet(ctx, key, "keys_set", true).Err(); err != nil {
			sm.logger.Warn().Err(err).Msg("Failed to mirror keys flag")
		}
		sm.redis.Expire(ctx, key, sm.config.SessionTimeout)
	}
	return nil
}

// KeyFor returns the key for a session, falling back to the default
func (sm *Manager) KeyFor(sessionID string) string {
	sm.keysMu.RLock()
	defer sm.keysMu.RUnlock()
	if k, ok := sm.keys[sessionID]; ok {
		return k
	}
	return sm.defaultKey
}

// KeysAvailable reports whether any session could be served
func (sm *Manager) KeysAvailable() bool {
	sm.keysMu.RLock()
	defer sm.keysMu.RUnlock()
	return sm.defaultKey != "" || len(sm.keys) > 0
}

// CreateSession creates a new client session
func (sm *Manager) CreateSession(ctx context.Context, clientConn *websocket.Conn) (*ClientSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.config.MaxSessions {
		return nil, ErrMaxSessions
	}

	id := uuid.New().String()
	cs := NewClientSession(id, clientConn, Options{
		MaxBufferSize: sm.config.MaxBufferSize,
		RecordDir:     sm.config.RecordDir,
		KeepAlive:     sm.config.KeepAlivePeriod,
		Dial:          sm.dial,
		KeyFor:        sm.KeyFor,
		OnBind:        sm.bindSession,
		Logger:        sm.logger,
		Metrics:       sm.metrics,
	})
	sm.sessions[id] = cs

	if sm.metrics != nil {
		sm.metrics.SessionsCreated.Inc()
		sm.metrics.ActiveSessions.Set(float64(len(sm.sessions)))
	}
	return cs, nil
}

// bindSession mirrors an identified session to Redis
func (sm *Manager) bindSession(cs *ClientSession) {
	sid := cs.SessionID()
	if sm.redis == nil || sid == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := "session:" + sid
	err := sm.redis.HSet(ctx, key, map[string]interface{}{
		"connection_id": cs.ID,
		"created_at":    cs.CreatedAt.Format(time.RFC3339),
		"last_activity": cs.IdleSince().Format(time.RFC3339),
		"status":        "active",
	}).Err()
	if err != nil {
		sm.logger.Warn().Err(err).Str("session_id", sid).Msg("Failed to store session")
		return
	}
	sm.redis.SAdd(ctx, "active_sessions", sid)
	sm.redis.Expire(ctx, key, sm.config.SessionTimeout)
}

// GetSession retrieves a session by connection id
func (sm *Manager) GetSession(id string) (*ClientSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[id]
	return session, exists
}

// RemoveSession cleans up and removes a session
func (sm *Manager) RemoveSession(ctx context.Context, id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, exists := sm.sessions[id]
	if !exists {
		return nil
	}
	sm.removeLocked(ctx, id, session)
	return nil
}

func (sm *Manager) removeLocked(ctx context.Context, id string, session *ClientSession) {
	session.Close()
	delete(sm.sessions, id)

	if sid := session.SessionID(); sm.redis != nil && sid != "" {
		sm.redis.HSet(ctx, "session:"+sid, "status", "closed")
		sm.redis.SRem(ctx, "active_sessions", sid)
	}
	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Set(float64(len(sm.sessions)))
	}
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions removes sessions that have been inactive
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	for id, session := range sm.sessions {
		if now.Sub(session.IdleSince()) > sm.config.SessionTimeout {
			sm.logger.Info().Str("conn", id).Msg("Closing inactive session")
			sm.removeLocked(ctx, id, session)
		}
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions
func (sm *Manager) Shutdown() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for id, session := range sm.sessions {
		sm.removeLocked(context.Background(), id, session)
	}

	if sm.redis != nil {
		sm.redis.Close()
	}
}
