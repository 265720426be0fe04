// Package authtest provides an in-memory Authenticator for tests.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/amap-mcp-server-go/auth"
)

// Tokens maps bearer tokens to user ids. Unknown tokens are unauthorized.
type Tokens map[string]string

func (t Tokens) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	uid, ok := t[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return user(uid), nil
}

type user string

func (u user) UserID() string { return string(u) }

func (u user) Claims(ref any) error {
	b, err := json.Marshal(map[string]string{"sub": string(u)})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
