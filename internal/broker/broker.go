// internal/broker/broker.go
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"graphgate/internal/session"
	"graphgate/internal/vault"
	"graphgate/pkg/config"
	"graphgate/pkg/faults"
	"graphgate/pkg/kv"
)

// credential is the encrypted refresh material behind a session. It never
// leaves this package.
type credential struct {
	Ref            string         `json:"credential_ref"`
	Envelope       vault.Envelope `json:"envelope"`
	Scopes         []string       `json:"scopes"`
	IssuedAt       time.Time      `json:"issued_at"`
	RefreshPresent bool           `json:"refresh_material_present"`
}

type pendingFlow struct {
	Verifier    string   `json:"verifier"`
	Scopes      []string `json:"scopes"`
	RedirectURI string   `json:"redirect_uri"`
	TenantHint  string   `json:"tenant_hint"`
}

type accessEntry struct {
	Token string `json:"token"`
}

type BeginFlowInput struct {
	RequestedScopes []string
	RedirectURI     string
	TenantHint      string
	LoginHint       string
}

type BeginFlowResult struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
	ChallengeMethod  string `json:"challenge_method"`
}

type CompleteFlowResult struct {
	SessionID     string   `json:"session_id"`
	GrantedScopes []string `json:"granted_scopes"`
	ExpiresIn     int      `json:"expires_in"`
}

// Access is a resolved credential plus the session it belongs to.
type Access struct {
	Token   string
	Session session.Session
}

// Broker owns the delegated-credential lifecycle. Concurrent refreshes for
// one session collapse into a single identity-provider call.
type Broker struct {
	idp      *IDPClient
	sessions *session.Store
	durable  kv.Store
	cache    kv.Store
	keyring  *vault.Keyring
	log      *zap.SugaredLogger

	allowList []string
	skew      time.Duration
	flowTTL   time.Duration
	sessTTL   time.Duration

	sf singleflight.Group

	// Now is swappable in tests.
	Now func() time.Time
}

func New(cfg config.Config, idp *IDPClient, sessions *session.Store, durable, cache kv.Store, keyring *vault.Keyring, log *zap.SugaredLogger) *Broker {
	return &Broker{
		idp:       idp,
		sessions:  sessions,
		durable:   durable,
		cache:     cache,
		keyring:   keyring,
		log:       log,
		allowList: cfg.RedirectAllowList,
		skew:      cfg.AccessTokenSkew,
		flowTTL:   cfg.FlowTTL,
		sessTTL:   cfg.SessionTTL,
		Now:       time.Now,
	}
}

func flowKey(state string) string { return "flow:" + state }
func credKey(ref string) string   { return "cred:" + ref }
func accessKey(id string) string  { return "access:" + id }

// normalizeScopes trims, dedupes and guarantees offline access so refresh
// material is always issued.
func normalizeScopes(scopes []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, sc := range scopes {
		sc = strings.TrimSpace(sc)
		if sc == "" {
			continue
		}
		if _, ok := seen[sc]; ok {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	if _, ok := seen["offline_access"]; !ok {
		out = append(out, "offline_access")
	}
	return out
}

// BeginFlow binds a random state to a PKCE verifier and the requested
// scopes in a short-lived, single-use pending record.
func (b *Broker) BeginFlow(ctx context.Context, in BeginFlowInput) (BeginFlowResult, error) {
	if !b.redirectAllowed(in.RedirectURI) {
		return BeginFlowResult{}, faults.Newf(faults.InvalidRequest, "redirect uri %q not on allow-list", in.RedirectURI)
	}
	state := randToken(16)
	verifier, challenge := newPKCEPair()
	scopes := normalizeScopes(in.RequestedScopes)
	raw, err := json.Marshal(pendingFlow{
		Verifier:    verifier,
		Scopes:      scopes,
		RedirectURI: in.RedirectURI,
		TenantHint:  in.TenantHint,
	})
	if err != nil {
		return BeginFlowResult{}, err
	}
	if err := b.durable.Put(ctx, flowKey(state), raw, b.flowTTL); err != nil {
		return BeginFlowResult{}, err
	}
	return BeginFlowResult{
		AuthorizationURL: b.idp.AuthorizationURL(scopes, state, challenge, in.RedirectURI, in.LoginHint),
		State:            state,
		ChallengeMethod:  ChallengeMethod,
	}, nil
}

func (b *Broker) redirectAllowed(uri string) bool {
	for _, allowed := range b.allowList {
		if uri == allowed {
			return true
		}
	}
	return false
}

// CompleteFlow consumes the pending record (replay of state fails),
// exchanges the code, encrypts the refresh material and creates a session.
func (b *Broker) CompleteFlow(ctx context.Context, code, state, redirectURI string) (CompleteFlowResult, error) {
	rec, err := b.durable.Get(ctx, flowKey(state))
	if errors.Is(err, kv.ErrNotFound) {
		return CompleteFlowResult{}, faults.New(faults.FlowExpiredOrUnknown, "unknown or expired state")
	}
	if err != nil {
		return CompleteFlowResult{}, err
	}
	// Single use: whoever deletes the live record owns the exchange.
	deleted, err := b.durable.Delete(ctx, flowKey(state))
	if err != nil {
		return CompleteFlowResult{}, err
	}
	if !deleted {
		return CompleteFlowResult{}, faults.New(faults.FlowExpiredOrUnknown, "state already consumed")
	}
	var pf pendingFlow
	if err := json.Unmarshal(rec.Value, &pf); err != nil {
		return CompleteFlowResult{}, err
	}
	if redirectURI != pf.RedirectURI {
		return CompleteFlowResult{}, faults.New(faults.InvalidRequest, "redirect uri mismatch")
	}

	tr, err := b.idp.Exchange(ctx, code, pf.Verifier, pf.RedirectURI, pf.Scopes)
	if err != nil {
		return CompleteFlowResult{}, err
	}
	tenant, subject := claimsOf(tr.AccessToken, pf.TenantHint)

	granted := strings.Fields(tr.Scope)
	if len(granted) == 0 {
		granted = pf.Scopes
	}
	ref, err := b.storeCredential(ctx, tr, granted)
	if err != nil {
		return CompleteFlowResult{}, err
	}

	now := b.Now()
	sess := session.Session{
		ID:            randToken(24),
		TenantID:      tenant,
		SubjectID:     subject,
		ClientID:      b.idp.ClientID,
		GrantedScopes: granted,
		CredentialRef: ref,
		CreatedAt:     now,
		ExpiresAt:     now.Add(b.sessTTL),
	}
	if err := b.sessions.Put(ctx, sess); err != nil {
		return CompleteFlowResult{}, err
	}
	b.cacheAccess(ctx, sess.ID, tr.AccessToken, tr.ExpiresIn)
	b.log.Infow("session created", "tenant", tenant, "session", sess.ID)
	return CompleteFlowResult{SessionID: sess.ID, GrantedScopes: granted, ExpiresIn: tr.ExpiresIn}, nil
}

// claimsOf peeks at the access token without verifying it; the token was
// just received first-hand over TLS from the provider.
func claimsOf(accessToken, tenantHint string) (tenant, subject string) {
	tenant, subject = tenantHint, ""
	tok, err := jwt.ParseInsecure([]byte(accessToken))
	if err != nil {
		if tenant == "" {
			tenant = "unknown"
		}
		return tenant, "unknown"
	}
	if v, ok := tok.PrivateClaims()["tid"].(string); ok && v != "" {
		tenant = v
	}
	if v, ok := tok.PrivateClaims()["oid"].(string); ok && v != "" {
		subject = v
	} else {
		subject = tok.Subject()
	}
	if tenant == "" {
		tenant = "unknown"
	}
	if subject == "" {
		subject = "unknown"
	}
	return tenant, subject
}

func (b *Broker) storeCredential(ctx context.Context, tr TokenResponse, scopes []string) (string, error) {
	env, err := b.keyring.Wrap([]byte(tr.RefreshToken))
	if err != nil {
		return "", err
	}
	cred := credential{
		Ref:            uuid.NewString(),
		Envelope:       env,
		Scopes:         scopes,
		IssuedAt:       b.Now(),
		RefreshPresent: tr.RefreshToken != "",
	}
	raw, err := json.Marshal(cred)
	if err != nil {
		return "", err
	}
	if err := b.durable.Put(ctx, credKey(cred.Ref), raw, b.sessTTL); err != nil {
		return "", err
	}
	return cred.Ref, nil
}

// ResolveCredential returns an access token valid for at least the safety
// margin, refreshing when necessary. requiredScopes short of the session's
// grants fail ConsentRequired before anything is issued.
func (b *Broker) ResolveCredential(ctx context.Context, sessionID string, requiredScopes []string) (Access, error) {
	sess, err := b.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return Access{}, faults.New(faults.ReauthRequired, "unknown or expired session")
	}
	if err != nil {
		return Access{}, err
	}
	if !sess.HasScopes(requiredScopes) {
		return Access{}, faults.New(faults.ConsentRequired, "session scopes do not cover the operation")
	}
	if tok, ok := b.cachedAccess(ctx, sessionID); ok {
		return Access{Token: tok, Session: sess}, nil
	}
	v, err, _ := b.sf.Do(sessionID, func() (any, error) {
		return b.refresh(ctx, sessionID)
	})
	if err != nil {
		return Access{}, err
	}
	return Access{Token: v.(string), Session: sess}, nil
}

// refresh performs the single-flight credential refresh. The session CAS
// serializes racing processes; the loser re-reads the winner's token.
func (b *Broker) refresh(ctx context.Context, sessionID string) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if tok, ok := b.cachedAccess(ctx, sessionID); ok {
			return tok, nil
		}
		sess, ver, err := b.sessions.GetVersioned(ctx, sessionID)
		if errors.Is(err, session.ErrNotFound) {
			return "", faults.New(faults.ReauthRequired, "unknown or expired session")
		}
		if err != nil {
			return "", err
		}
		cred, err := b.loadCredential(ctx, sess.CredentialRef)
		if err != nil {
			return "", err
		}
		refreshToken, err := b.keyring.Unwrap(cred.Envelope)
		if err != nil {
			return "", err
		}
		tr, err := b.idp.Refresh(ctx, string(refreshToken), cred.Scopes)
		if errors.Is(err, errRefreshRejected) {
			return "", faults.New(faults.ReauthRequired, "refresh material rejected")
		}
		if err != nil {
			return "", err
		}
		if tr.RefreshToken == "" {
			tr.RefreshToken = string(refreshToken)
		}
		scopes := strings.Fields(tr.Scope)
		if len(scopes) == 0 {
			scopes = cred.Scopes
		}
		newRef, err := b.storeCredential(ctx, tr, scopes)
		if err != nil {
			return "", err
		}
		oldRef := sess.CredentialRef
		sess.CredentialRef = newRef
		sess.ExpiresAt = b.Now().Add(b.sessTTL)
		ok, err := b.sessions.Update(ctx, sess, ver)
		if err != nil {
			return "", err
		}
		if !ok {
			// Another process refreshed first; drop our credential and
			// use theirs on the next pass.
			_, _ = b.durable.Delete(ctx, credKey(newRef))
			continue
		}
		// Exactly one active credential reference per session.
		_, _ = b.durable.Delete(ctx, credKey(oldRef))
		b.cacheAccess(ctx, sessionID, tr.AccessToken, tr.ExpiresIn)
		return tr.AccessToken, nil
	}
	return "", faults.New(faults.RetryLater, "credential refresh contended")
}

func (b *Broker) loadCredential(ctx context.Context, ref string) (credential, error) {
	rec, err := b.durable.Get(ctx, credKey(ref))
	if errors.Is(err, kv.ErrNotFound) {
		return credential{}, faults.New(faults.ReauthRequired, "credential material missing")
	}
	if err != nil {
		return credential{}, err
	}
	var cred credential
	if err := json.Unmarshal(rec.Value, &cred); err != nil {
		return credential{}, err
	}
	if !cred.RefreshPresent {
		return credential{}, faults.New(faults.ReauthRequired, "no refresh material")
	}
	// Lazy migration after key rotation.
	if b.keyring.NeedsRewrap(cred.Envelope) {
		if plain, uerr := b.keyring.Unwrap(cred.Envelope); uerr == nil {
			if env, werr := b.keyring.Wrap(plain); werr == nil {
				cred.Envelope = env
				if raw, merr := json.Marshal(cred); merr == nil {
					_ = b.durable.Put(ctx, credKey(ref), raw, b.sessTTL)
				}
			}
		}
	}
	return cred, nil
}

func (b *Broker) cacheAccess(ctx context.Context, sessionID, token string, expiresIn int) {
	// Anything at or below the safety margin is already dying; caching it
	// would hand out a token that expires mid-call. Leave the cache empty
	// so the next resolve refreshes.
	ttl := time.Duration(expiresIn)*time.Second - b.skew
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(accessEntry{Token: token})
	if err != nil {
		return
	}
	_ = b.cache.Put(ctx, accessKey(sessionID), raw, ttl)
}

func (b *Broker) cachedAccess(ctx context.Context, sessionID string) (string, bool) {
	rec, err := b.cache.Get(ctx, accessKey(sessionID))
	if err != nil {
		return "", false
	}
	var e accessEntry
	if json.Unmarshal(rec.Value, &e) != nil || e.Token == "" {
		return "", false
	}
	return e.Token, true
}

// ExtendScopes widens the session grant after incremental consent.
func (b *Broker) ExtendScopes(ctx context.Context, sessionID string, add []string) error {
	for attempt := 0; attempt < 2; attempt++ {
		sess, ver, err := b.sessions.GetVersioned(ctx, sessionID)
		if errors.Is(err, session.ErrNotFound) {
			return faults.New(faults.ReauthRequired, "unknown or expired session")
		}
		if err != nil {
			return err
		}
		merged := normalizeScopes(append(append([]string{}, sess.GrantedScopes...), add...))
		sess.GrantedScopes = merged
		ok, err := b.sessions.Update(ctx, sess, ver)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return faults.New(faults.RetryLater, "session update contended")
}

// Revoke deletes the session, its credential and every cached copy.
// Revoking an unknown session is not an error.
func (b *Broker) Revoke(ctx context.Context, sessionID string) error {
	sess, _, err := b.sessions.GetVersioned(ctx, sessionID)
	if err == nil {
		_, _ = b.durable.Delete(ctx, credKey(sess.CredentialRef))
	} else if !errors.Is(err, session.ErrNotFound) {
		return err
	}
	_, _ = b.cache.Delete(ctx, accessKey(sessionID))
	return b.sessions.Delete(ctx, sessionID)
}
