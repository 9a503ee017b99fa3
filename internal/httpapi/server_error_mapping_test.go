package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatd/pkg/types"
)

func postJSON(t *testing.T, mux http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(w, req)
	return w
}

func TestLoadMissingArtifactMaps404(t *testing.T) {
	_, mux, _ := newTestStack(t, "", nil)
	w := postJSON(t, mux, "/load", `{"filename":"nope.gguf"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", w.Code, w.Body.String())
	}
	var e types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("json: %v", err)
	}
	if e.Error == "" {
		t.Fatal("error body should carry a message")
	}
}

func TestLoadEngineUnreachableMaps503(t *testing.T) {
	_, mux, dir := newTestStack(t, "", nil) // dead engine endpoint
	seedArtifact(t, dir, "m.gguf", 8)
	w := postJSON(t, mux, "/load", `{"filename":"m.gguf"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%s", w.Code, w.Body.String())
	}
}

func TestPullUpstreamErrorMaps502(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such artifact", http.StatusNotFound)
	}))
	defer src.Close()
	_, mux, _ := newTestStack(t, "", nil)
	w := postJSON(t, mux, "/pull", `{"filename":"gone.gguf","url":"`+src.URL+`/gone.gguf"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d body=%s", w.Code, w.Body.String())
	}
}

func TestRevealUnknownTurnMaps404(t *testing.T) {
	_, mux, _ := newTestStack(t, "", nil)
	w := postJSON(t, mux, "/chat/reveal", `{"turn":42,"revealed":true}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
