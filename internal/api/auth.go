package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// Authenticator maps a bearer token to the account it acts for.
type Authenticator interface {
	Authenticate(token string) (accountID string, ok bool)
}

type tokenEntry struct {
	token   []byte
	account string
}

// TokenAuthenticator is a fixed token table.
type TokenAuthenticator struct {
	entries []tokenEntry
}

// ParseTokens reads "token=account" pairs separated by commas.
func ParseTokens(spec string) (*TokenAuthenticator, error) {
	a := &TokenAuthenticator{}
	seen := make(map[string]bool)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, account, ok := strings.Cut(pair, "=")
		token, account = strings.TrimSpace(token), strings.TrimSpace(account)
		if !ok || token == "" || account == "" {
			return nil, fmt.Errorf("invalid token entry %q: want token=account", redact(pair))
		}
		if seen[token] {
			return nil, fmt.Errorf("duplicate token for account %q", account)
		}
		seen[token] = true
		a.entries = append(a.entries, tokenEntry{token: []byte(token), account: account})
	}
	if len(a.entries) == 0 {
		return nil, fmt.Errorf("no tokens configured")
	}
	return a, nil
}

// Accounts returns the distinct account IDs in the table.
func (a *TokenAuthenticator) Accounts() []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range a.entries {
		if !seen[e.account] {
			seen[e.account] = true
			out = append(out, e.account)
		}
	}
	return out
}

// Authenticate compares against every entry so the time taken does not
// depend on which one matched.
func (a *TokenAuthenticator) Authenticate(token string) (string, bool) {
	account := ""
	for _, e := range a.entries {
		if subtle.ConstantTimeCompare([]byte(token), e.token) == 1 {
			account = e.account
		}
	}
	return account, account != ""
}

func redact(pair string) string {
	_, account, _ := strings.Cut(pair, "=")
	return "****=" + account
}

type accountKey struct{}

func withAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountKey{}, accountID)
}

// AccountID returns the authenticated account for the request context.
func AccountID(ctx context.Context) string {
	id, _ := ctx.Value(accountKey{}).(string)
	return id
}

func BearerAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if auth == nil || !strings.HasPrefix(header, prefix) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			account, ok := auth.Authenticate(header[len(prefix):])
			if !ok {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), account)))
		})
	}
}
