package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"chatd/pkg/types"
)

func decodeNDJSON[T any](t *testing.T, body []byte) []T {
	t.Helper()
	var out []T
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", line, err)
		}
		out = append(out, v)
	}
	return out
}

func TestPullStreamsProgressAndRecordsArtifact(t *testing.T) {
	payload := bytes.Repeat([]byte("g"), 4096)
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		_, _ = w.Write(payload)
	}))
	defer src.Close()

	s, mux, dir := newTestStack(t, "", nil)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pull",
		strings.NewReader(`{"filename":"qwen2-q4.gguf","url":"`+src.URL+`/qwen2-q4.gguf"}`))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type=%s", ct)
	}
	lines := decodeNDJSON[types.PullProgress](t, w.Body.Bytes())
	if len(lines) == 0 {
		t.Fatal("no progress lines")
	}
	last := 0.0
	for _, l := range lines {
		if l.Progress < last {
			t.Fatalf("progress went backwards: %v", lines)
		}
		last = l.Progress
	}
	final := lines[len(lines)-1]
	if !final.Done || final.Progress != 1 || final.Record == nil {
		t.Fatalf("bad final line: %+v", final)
	}
	if final.Record.Family != types.FamilyQwen {
		t.Fatalf("family=%s", final.Record.Family)
	}
	if final.Record.SizeBytes == nil || *final.Record.SizeBytes != 4096 {
		t.Fatalf("size=%v", final.Record.SizeBytes)
	}
	rec, ok := s.store.Get("qwen2-q4.gguf")
	if !ok || rec.Family != types.FamilyQwen {
		t.Fatalf("record not persisted: %+v ok=%v", rec, ok)
	}
	if got, err := os.ReadFile(filepath.Join(dir, "qwen2-q4.gguf")); err != nil || len(got) != 4096 {
		t.Fatalf("artifact bytes: len=%d err=%v", len(got), err)
	}
}

func TestPullSkipsExistingFileAndBackfillsSize(t *testing.T) {
	s, mux, dir := newTestStack(t, "", nil)
	seedArtifact(t, dir, "present.gguf", 512)
	// Tracked without a size, e.g. from an older metadata file.
	s.store.Upsert(types.ArtifactRecord{Filename: "present.gguf", Family: types.FamilyUnknown, DownloadDate: time.Now()})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pull",
		strings.NewReader(`{"filename":"present.gguf","url":"http://127.0.0.1:1/present.gguf"}`))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	lines := decodeNDJSON[types.PullProgress](t, w.Body.Bytes())
	if len(lines) != 1 {
		t.Fatalf("a skipped pull should emit only the final line, got %d", len(lines))
	}
	if !lines[0].Skipped || !lines[0].Done {
		t.Fatalf("bad final line: %+v", lines[0])
	}
	rec, _ := s.store.Get("present.gguf")
	if rec.SizeBytes == nil || *rec.SizeBytes != 512 {
		t.Fatalf("size not backfilled: %+v", rec)
	}
}

func TestPullFailureMidStreamReportsCause(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		_, _ = w.Write(bytes.Repeat([]byte("g"), 1024))
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		_ = conn.Close() // truncate mid-body
	}))
	defer src.Close()

	_, mux, _ := newTestStack(t, "", nil)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pull",
		strings.NewReader(`{"filename":"cut.gguf","url":"`+src.URL+`/cut.gguf"}`))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(w, req)

	lines := decodeNDJSON[types.PullProgress](t, w.Body.Bytes())
	if len(lines) < 2 {
		t.Fatalf("expected progress lines before the failure, got %v", lines)
	}
	final := lines[len(lines)-1]
	if !final.Done || final.Error == "" {
		t.Fatalf("failure line must carry the cause: %+v", final)
	}
	if final.Record != nil {
		t.Fatalf("no record on failure: %+v", final)
	}
}

func TestPullRejectsMalformedFilename(t *testing.T) {
	_, mux, _ := newTestStack(t, "", nil)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pull",
		strings.NewReader(`{"filename":"../escape.gguf","url":"http://example.com/x"}`))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestPullBusyConflicts(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2")
		_, _ = w.Write([]byte("g"))
		w.(http.Flusher).Flush()
		close(started)
		<-release
		_, _ = w.Write([]byte("g"))
	}))
	defer src.Close()
	defer close(release)

	_, mux, _ := newTestStack(t, "", nil)
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/pull",
			strings.NewReader(`{"filename":"slow.gguf","url":"`+src.URL+`/slow.gguf"}`))
		req.Header.Set("Content-Type", "application/json")
		mux.ServeHTTP(w, req)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first pull never reached the source")
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pull",
		strings.NewReader(`{"filename":"other.gguf","url":"`+src.URL+`/other.gguf"}`))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a pull is active, got %d", w.Code)
	}

	release <- struct{}{}
	select {
	case <-firstDone:
	case <-time.After(5 * time.Second):
		t.Fatal("first pull never finished")
	}
}

func TestChatStreamSeparatesReasoning(t *testing.T) {
	engine := newFakeEngine(t, []string{"<thi", "nk>plan the haiku</think>", "Waves ", "fold into foam"})
	defer engine.Close()
	s, mux, dir := newTestStack(t, engine.URL, nil)
	seedArtifact(t, dir, "m.gguf", 8)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/load", strings.NewReader(`{"filename":"m.gguf"}`))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("load status=%d body=%s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"content":"Write a haiku about the ocean."}`))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("chat status=%d body=%s", w.Code, w.Body.String())
	}
	events := decodeNDJSON[types.ChatEvent](t, w.Body.Bytes())
	if len(events) < 2 {
		t.Fatalf("too few events: %+v", events)
	}
	final := events[len(events)-1]
	if !final.Done {
		t.Fatalf("last event not done: %+v", final)
	}
	if final.Visible != "Waves fold into foam" {
		t.Fatalf("visible=%q", final.Visible)
	}
	if final.Reasoning != "plan the haiku" {
		t.Fatalf("reasoning=%q", final.Reasoning)
	}
	if final.TokensPerSec != 37.5 {
		t.Fatalf("tokens_per_sec=%v", final.TokensPerSec)
	}
	// Markers never leak into the visible stream.
	for _, e := range events {
		if strings.Contains(e.Visible, "<think>") || strings.Contains(e.Visible, "</think>") {
			t.Fatalf("marker leaked: %+v", e)
		}
	}

	// The completed assistant turn is in the conversation, reasoning hidden
	// from history views by default.
	turns := s.conversation.Turns()
	last := turns[len(turns)-1]
	if last.Role != types.RoleAssistant || last.Visible != "Waves fold into foam" {
		t.Fatalf("bad assistant turn: %+v", last)
	}
	if last.ReasoningRevealed {
		t.Fatal("reasoning should start hidden")
	}
}

func TestChatNotReadyConflicts(t *testing.T) {
	_, mux, _ := newTestStack(t, "", nil)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"content":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestChatBusyConflicts(t *testing.T) {
	engine := newFakeEngine(t, []string{"hi"})
	defer engine.Close()
	s, mux, dir := newTestStack(t, engine.URL, nil)
	seedArtifact(t, dir, "m.gguf", 8)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/load", strings.NewReader(`{"filename":"m.gguf"}`))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("load status=%d", w.Code)
	}

	// Occupy the completion slot as a running chat would.
	s.chatSlot <- struct{}{}
	defer func() { <-s.chatSlot }()

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"content":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestLoadAndUnloadConflictWhileChatStreams(t *testing.T) {
	engine := newFakeEngine(t, []string{"hi"})
	defer engine.Close()
	s, mux, dir := newTestStack(t, engine.URL, nil)
	seedArtifact(t, dir, "m.gguf", 8)

	// Occupy the completion slot as a streaming chat would.
	s.chatSlot <- struct{}{}
	defer func() { <-s.chatSlot }()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/load", strings.NewReader(`{"filename":"m.gguf"}`))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("load during chat: expected 409, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/unload", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("unload during chat: expected 409, got %d", w.Code)
	}
}

func TestChatCancelWithoutSessionConflicts(t *testing.T) {
	_, mux, _ := newTestStack(t, "", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/chat/cancel", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestChatResetKeepsSystemTurn(t *testing.T) {
	s, mux, _ := newTestStack(t, "", nil)
	s.conversation.Append(types.RoleUser, "hello")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/chat/reset", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status=%d", w.Code)
	}
	if s.conversation.Len() != 1 {
		t.Fatalf("turns=%d", s.conversation.Len())
	}
}

func TestChatHistoryHonorsReveal(t *testing.T) {
	s, mux, _ := newTestStack(t, "", nil)
	s.conversation.Append(types.RoleUser, "q")
	idx := s.conversation.Append(types.RoleAssistant, "")
	s.conversation.SetStreaming(idx, "a", "secret working")
	s.conversation.Complete(idx, 12)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chat", nil))
	var views []types.TurnView
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatalf("json: %v", err)
	}
	if views[idx].Reasoning != "" {
		t.Fatalf("reasoning leaked before reveal: %+v", views[idx])
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat/reveal",
		strings.NewReader(`{"turn":`+strconv.Itoa(idx)+`,"revealed":true}`))
	req.Header.Set("Content-Type", "application/json")
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("reveal status=%d body=%s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chat", nil))
	views = nil
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatalf("json: %v", err)
	}
	if views[idx].Reasoning != "secret working" {
		t.Fatalf("reasoning not revealed: %+v", views[idx])
	}
	if views[idx].TokensPerSec != 12 {
		t.Fatalf("tokens_per_sec=%v", views[idx].TokensPerSec)
	}
}
