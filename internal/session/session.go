// internal/session/session.go
package session

import (
	"time"
)

// Session binds an opaque handle to a delegated credential. Callers only
// ever see the handle; credential material stays inside the broker.
type Session struct {
	ID            string    `json:"session_id"`
	TenantID      string    `json:"tenant_id"`
	SubjectID     string    `json:"subject_id"`
	ClientID      string    `json:"client_id"`
	GrantedScopes []string  `json:"granted_scopes"`
	CredentialRef string    `json:"credential_ref"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// HasScopes reports whether every required scope was granted.
func (s Session) HasScopes(required []string) bool {
	if len(required) == 0 {
		return true
	}
	granted := make(map[string]struct{}, len(s.GrantedScopes))
	for _, sc := range s.GrantedScopes {
		granted[sc] = struct{}{}
	}
	for _, sc := range required {
		if _, ok := granted[sc]; !ok {
			return false
		}
	}
	return true
}
