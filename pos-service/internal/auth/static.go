package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/fjod/go_caja/pos-service/internal/domain"
)

// StaticAuthorizer resolves bearer tokens from a fixed table loaded at startup.
// The table format is "token:id:name:role" entries separated by commas.
type StaticAuthorizer struct {
	tokens map[string]domain.Identity
}

func NewStaticAuthorizer(table string) (*StaticAuthorizer, error) {
	a := &StaticAuthorizer{tokens: make(map[string]domain.Identity)}
	for _, entry := range strings.Split(table, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("auth entry %q: want token:id:name:role", entry)
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if parts[0] == "" || parts[1] == "" || parts[3] == "" {
			return nil, fmt.Errorf("auth entry %q: token, id and role are required", entry)
		}
		if _, dup := a.tokens[parts[0]]; dup {
			return nil, fmt.Errorf("auth entry %q: duplicate token", entry)
		}
		a.tokens[parts[0]] = domain.Identity{ID: parts[1], Name: parts[2], Role: strings.ToLower(parts[3])}
	}
	return a, nil
}

func (a *StaticAuthorizer) Authorize(_ context.Context, token string) (domain.Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing token", domain.ErrForbidden)
	}
	id, ok := a.tokens[token]
	if !ok {
		return domain.Identity{}, fmt.Errorf("%w: unknown token", domain.ErrForbidden)
	}
	return id, nil
}

// Len reports how many tokens are configured.
func (a *StaticAuthorizer) Len() int { return len(a.tokens) }
