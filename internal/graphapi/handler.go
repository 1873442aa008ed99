// internal/graphapi/handler.go
package graphapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"graphgate/internal/broker"
	"graphgate/internal/orchestrator"
	"graphgate/pkg/config"
	"graphgate/pkg/faults"
	"graphgate/pkg/middleware"
)

const (
	headerSession     = "X-Session-Id"
	headerIdempotency = "Idempotency-Key"
)

// Router mounts the delegated-auth endpoints and the canonical operation
// table. All upstream traffic flows through the orchestrator.
func Router(r chi.Router, cfg config.Config, b *broker.Broker, orch *orchestrator.Orchestrator, log *zap.SugaredLogger) {
	r.Post("/v1/auth/begin", beginAuth(b))
	r.Post("/v1/auth/complete", completeAuth(b))
	r.Post("/v1/auth/extend", extendAuth(b))
	r.Post("/v1/auth/revoke", revokeAuth(b))

	r.Get("/v1/operations", listOperations)

	for _, co := range canonicalOps {
		co := co
		r.Method(co.Method, co.Path, opHandler(co, cfg, orch))
	}
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func beginAuth(b *broker.Broker) http.HandlerFunc {
	type body struct {
		Scopes      []string `json:"scopes"`
		RedirectURI string   `json:"redirect_uri"`
		TenantHint  string   `json:"tenant_hint"`
		LoginHint   string   `json:"login_hint"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		corr := middleware.RequestIDFrom(r.Context())
		var in body
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			faults.WriteJSON(w, faults.New(faults.InvalidRequest, "bad json"), corr)
			return
		}
		res, err := b.BeginFlow(r.Context(), broker.BeginFlowInput{
			RequestedScopes: in.Scopes,
			RedirectURI:     in.RedirectURI,
			TenantHint:      in.TenantHint,
			LoginHint:       in.LoginHint,
		})
		if err != nil {
			faults.WriteJSON(w, err, corr)
			return
		}
		writeJSON(w, res, http.StatusOK)
	}
}

func completeAuth(b *broker.Broker) http.HandlerFunc {
	type body struct {
		Code        string `json:"code"`
		State       string `json:"state"`
		RedirectURI string `json:"redirect_uri"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		corr := middleware.RequestIDFrom(r.Context())
		var in body
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			faults.WriteJSON(w, faults.New(faults.InvalidRequest, "bad json"), corr)
			return
		}
		res, err := b.CompleteFlow(r.Context(), in.Code, in.State, in.RedirectURI)
		if err != nil {
			faults.WriteJSON(w, err, corr)
			return
		}
		writeJSON(w, res, http.StatusOK)
	}
}

func extendAuth(b *broker.Broker) http.HandlerFunc {
	type body struct {
		Scopes []string `json:"scopes"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		corr := middleware.RequestIDFrom(r.Context())
		sid := r.Header.Get(headerSession)
		if sid == "" {
			faults.WriteJSON(w, faults.New(faults.InvalidRequest, "missing session header"), corr)
			return
		}
		var in body
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			faults.WriteJSON(w, faults.New(faults.InvalidRequest, "bad json"), corr)
			return
		}
		if err := b.ExtendScopes(r.Context(), sid, in.Scopes); err != nil {
			faults.WriteJSON(w, err, corr)
			return
		}
		writeJSON(w, map[string]any{"ok": true}, http.StatusOK)
	}
}

func revokeAuth(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		corr := middleware.RequestIDFrom(r.Context())
		sid := r.Header.Get(headerSession)
		if sid == "" {
			faults.WriteJSON(w, faults.New(faults.InvalidRequest, "missing session header"), corr)
			return
		}
		if err := b.Revoke(r.Context(), sid); err != nil {
			faults.WriteJSON(w, err, corr)
			return
		}
		writeJSON(w, map[string]any{"ok": true}, http.StatusOK)
	}
}

// listOperations publishes the catalog so clients can discover routes,
// scopes and which operations demand an idempotency key.
func listOperations(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		ID             string   `json:"id"`
		Method         string   `json:"method"`
		Path           string   `json:"path"`
		Domain         string   `json:"domain"`
		RequiredScopes []string `json:"required_scopes"`
		Write          bool     `json:"write"`
		Summary        string   `json:"summary"`
	}
	out := make([]entry, 0, len(canonicalOps))
	for _, co := range Catalog() {
		out = append(out, entry{
			ID:             co.ID,
			Method:         co.Method,
			Path:           co.Path,
			Domain:         co.Domain,
			RequiredScopes: co.Scopes,
			Write:          co.Write,
			Summary:        co.Summary,
		})
	}
	writeJSON(w, map[string]any{"operations": out}, http.StatusOK)
}

func opHandler(co CanonicalOp, cfg config.Config, orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		corr := middleware.RequestIDFrom(r.Context())
		sid := r.Header.Get(headerSession)
		if sid == "" {
			faults.WriteJSON(w, faults.New(faults.InvalidRequest, "missing session header"), corr)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			faults.WriteJSON(w, faults.New(faults.InvalidRequest, "unreadable body"), corr)
			return
		}
		req := orchestrator.Request{
			SessionID: sid,
			Op: orchestrator.Operation{
				Domain:         co.Domain,
				Weight:         co.Weight,
				RequiredScopes: co.Scopes,
				Method:         co.Method,
				URL:            upstreamURL(cfg.UpstreamBaseURL, co, r),
				Body:           body,
			},
		}
		var res orchestrator.Result
		if co.Write {
			res, err = orch.ExecuteWrite(r.Context(), req, r.Header.Get(headerIdempotency))
		} else {
			res, err = orch.ExecuteRead(r.Context(), req)
		}
		if err != nil {
			faults.WriteJSON(w, err, corr)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if res.CorrelationID != "" {
			w.Header().Set("X-Correlation-Id", res.CorrelationID)
		}
		status := res.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write(res.Body)
	}
}

// upstreamURL expands the operation's upstream template with the inbound
// route params and carries the query string through untouched.
func upstreamURL(base string, co CanonicalOp, r *http.Request) string {
	path := co.UpstreamPath
	if rc := chi.RouteContext(r.Context()); rc != nil {
		for i, key := range rc.URLParams.Keys {
			path = strings.ReplaceAll(path, "{"+key+"}", rc.URLParams.Values[i])
		}
	}
	u := strings.TrimRight(base, "/") + path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}
