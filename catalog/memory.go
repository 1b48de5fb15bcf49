package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type tokenEntry struct {
	userID    string
	expiresAt time.Time // 零值表示永不过期
}

// Memory 进程内的空间目录 + 身份校验，测试与 memory 驱动使用
type Memory struct {
	mu     sync.RWMutex
	spaces map[string]Space
	tokens map[string]tokenEntry
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		spaces: make(map[string]Space),
		tokens: make(map[string]tokenEntry),
		now:    time.Now,
	}
}

// PutSpace 新增或覆盖空间
func (m *Memory) PutSpace(_ context.Context, s Space) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.Elements = append([]Element(nil), s.Elements...)
	m.mu.Lock()
	m.spaces[s.ID] = s
	m.mu.Unlock()
	return nil
}

// PutToken 登记一个凭证；expiresAt 为零表示永不过期
func (m *Memory) PutToken(_ context.Context, token, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	m.tokens[token] = tokenEntry{userID: userID, expiresAt: expiresAt}
	m.mu.Unlock()
	return nil
}

// IssueToken 为用户签发随机凭证
func (m *Memory) IssueToken(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	var exp time.Time
	if ttl > 0 {
		exp = m.now().Add(ttl)
	}
	return token, m.PutToken(ctx, token, userID, exp)
}

func (m *Memory) LookupSpace(_ context.Context, id string) (Space, error) {
	m.mu.RLock()
	s, ok := m.spaces[id]
	m.mu.RUnlock()
	if !ok {
		return Space{}, ErrSpaceNotFound
	}
	s.Elements = append([]Element(nil), s.Elements...)
	return s, nil
}

func (m *Memory) VerifyToken(_ context.Context, token string) (string, error) {
	m.mu.RLock()
	e, ok := m.tokens[token]
	m.mu.RUnlock()
	if !ok || token == "" {
		return "", ErrUnauthorized
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		return "", ErrUnauthorized
	}
	return e.userID, nil
}
