package graphapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestUpstreamURL_ExpandsParamsAndKeepsQuery(t *testing.T) {
	co := CanonicalOp{UpstreamPath: "/me/messages/{id}"}

	rc := chi.NewRouteContext()
	rc.URLParams.Add("id", "AAMkAD-1")
	req := httptest.NewRequest(http.MethodGet, "/v1/mail/messages/AAMkAD-1?$select=subject", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))

	got := upstreamURL("https://graph.microsoft.com/v1.0/", co, req)
	want := "https://graph.microsoft.com/v1.0/me/messages/AAMkAD-1?$select=subject"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCatalog_WritesAreExactlyThePostAndPutOps(t *testing.T) {
	for _, co := range Catalog() {
		mutating := co.Method == http.MethodPost || co.Method == http.MethodPut
		if co.Write != mutating {
			t.Fatalf("op %s: method %s but Write=%v", co.ID, co.Method, co.Write)
		}
		if co.Domain == "" || co.Weight < 1 || len(co.Scopes) == 0 {
			t.Fatalf("op %s underspecified: %+v", co.ID, co)
		}
	}
}

func TestListOperations_PublishesCatalog(t *testing.T) {
	rec := httptest.NewRecorder()
	listOperations(rec, httptest.NewRequest(http.MethodGet, "/v1/operations", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var body struct {
		Operations []struct {
			ID    string `json:"id"`
			Write bool   `json:"write"`
		} `json:"operations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Operations) != len(Catalog()) {
		t.Fatalf("expected %d operations, got %d", len(Catalog()), len(body.Operations))
	}
}
