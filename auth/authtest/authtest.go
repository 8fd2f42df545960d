// Package authtest provides Authenticator implementations for tests and
// local development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ggoodman/guild-gateway-go/auth"
)

// StaticTokens accepts a fixed set of tokens, each mapped to a user ID.
type StaticTokens struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStaticTokens creates an authenticator accepting the given token to user
// ID mapping.
func NewStaticTokens(tokens map[string]string) *StaticTokens {
	m := make(map[string]string, len(tokens))
	for k, v := range tokens {
		m[k] = v
	}
	return &StaticTokens{tokens: m}
}

// Add registers another accepted token.
func (s *StaticTokens) Add(token, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = userID
}

func (s *StaticTokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	s.mu.RLock()
	userID, ok := s.tokens[tok]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return User(userID), nil
}

// User is a UserInfo carrying only a subject.
type User string

func (u User) UserID() string { return string(u) }

func (u User) Claims(ref any) error {
	b, err := json.Marshal(map[string]string{"sub": string(u)})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
