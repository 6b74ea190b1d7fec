// Package auth implements the two credential surfaces the gateway checks:
// a static admin secret list for the management API, and the Config
// Registry-backed ApiKey store for caller requests.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/modelgate/internal/registry"
)

// AdminAuth holds the process-wide admin secret list loaded from
// ADMIN_APIKEYS. An empty list disables admin auth entirely — callers must
// log a conspicuous warning at startup when constructing with no secrets.
type AdminAuth struct {
	secrets map[string]bool
}

// NewAdminAuth builds an AdminAuth from a comma-separated secret list.
func NewAdminAuth(commaSeparated string) *AdminAuth {
	a := &AdminAuth{secrets: make(map[string]bool)}
	for _, s := range strings.Split(commaSeparated, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			a.secrets[s] = true
		}
	}
	return a
}

// Disabled reports whether no admin secrets are configured.
func (a *AdminAuth) Disabled() bool {
	return len(a.secrets) == 0
}

// Check validates a bearer token against the configured secret list. When
// admin auth is disabled, every token (including empty) is accepted.
func (a *AdminAuth) Check(bearerToken string) bool {
	if a.Disabled() {
		return true
	}
	return a.secrets[bearerToken]
}

// ErrKeyNotFound is returned when the caller's bearer token has no matching
// ApiKey document.
var ErrKeyNotFound = fmt.Errorf("auth: api key not found")

// CallerAuth resolves caller bearer tokens against the Config Registry's
// ApiKey documents.
type CallerAuth struct {
	reg *registry.Registry
}

// NewCallerAuth wraps reg.
func NewCallerAuth(reg *registry.Registry) *CallerAuth {
	return &CallerAuth{reg: reg}
}

// Authenticate looks up token and, on success, touches its lastUsedAt.
func (c *CallerAuth) Authenticate(token string) (registry.ApiKey, error) {
	key, ok := c.reg.ApiKey(token)
	if !ok {
		return registry.ApiKey{}, ErrKeyNotFound
	}
	c.reg.TouchApiKeyLastUsedAt(token, time.Now())
	return key, nil
}

// ParseBearer extracts the token from an "Authorization: Bearer <token>"
// header value. Returns "" if the header is empty or malformed.
func ParseBearer(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	token := strings.TrimSpace(parts[1])
	return token
}
