package server

import (
	"context"
	"net/http"
	"strings"
)

const adminOwner = "*"

type ownerKey struct{}

type tokenAuth struct {
	tokens map[string]string
}

func newTokenAuth(tokens map[string]string) *tokenAuth {
	return &tokenAuth{tokens: tokens}
}

// require 校验 Bearer token，把 owner 放进请求上下文
func (a *tokenAuth) require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(a.tokens) == 0 {
			next(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, adminOwner)))
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		owner, known := a.tokens[strings.TrimSpace(token)]
		if !ok || !known {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	}
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

func isAdmin(owner string) bool {
	return owner == adminOwner
}
