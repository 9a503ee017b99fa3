package httpapi

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chatd/internal/chat"
	"chatd/internal/common/fsutil"
	"chatd/internal/download"
	"chatd/internal/manager"
	"chatd/internal/metadata"
	"chatd/internal/registry"
	"chatd/pkg/types"
)

// Options wires the daemon's components into the HTTP surface.
type Options struct {
	Store        *metadata.Store
	Coordinator  *download.Coordinator
	Catalog      download.Catalog
	Sessions     *manager.SessionManager
	Conversation *chat.Log
	ModelsDir    string
	// DefaultMaxTokens caps generation when the request does not.
	DefaultMaxTokens int
}

// Server exposes the artifact lifecycle and chat API. At most one pull and
// one chat may be active at a time; a second request is rejected with 409,
// never queued.
type Server struct {
	store        *metadata.Store
	coord        *download.Coordinator
	catalog      download.Catalog
	sessions     *manager.SessionManager
	conversation *chat.Log
	modelsDir    string
	maxTokens    int
	start        time.Time

	chatSlot chan struct{} // size 1: single in-flight completion

	mu      sync.Mutex
	current *chat.Session
}

// NewServer builds the API server from its components.
func NewServer(opts Options) *Server {
	maxTokens := opts.DefaultMaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Server{
		store:        opts.Store,
		coord:        opts.Coordinator,
		catalog:      opts.Catalog,
		sessions:     opts.Sessions,
		conversation: opts.Conversation,
		modelsDir:    opts.ModelsDir,
		maxTokens:    maxTokens,
		start:        time.Now(),
		chatSlot:     make(chan struct{}, 1),
	}
}

// NewMux builds the chi router with the standard middleware stack.
func NewMux(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", s.handleModels)
	r.Delete("/models/{filename}", s.handleDeleteModel)
	r.Get("/catalog/{family}", s.handleCatalog)
	r.Post("/pull", s.handlePull)
	r.Post("/load", s.handleLoad)
	r.Post("/unload", s.handleUnload)
	r.Post("/chat", s.handleChat)
	r.Post("/chat/cancel", s.handleChatCancel)
	r.Post("/chat/reset", s.handleChatReset)
	r.Post("/chat/reveal", s.handleChatReveal)
	r.Get("/chat", s.handleChatHistory)
	r.Get("/status", s.handleStatus)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	MountSwagger(r)
	return r
}

// acquireChatSlot takes the single completion slot without blocking. Chat
// holds it while streaming; load and unload hold it so the engine handle is
// never torn down under an in-flight Generate. On failure a 409 is written.
func (s *Server) acquireChatSlot(w http.ResponseWriter) bool {
	select {
	case s.chatSlot <- struct{}{}:
		return true
	default:
		incrementRejected("chat_active")
		writeJSONError(w, http.StatusConflict, "a completion is in progress")
		return false
	}
}

func (s *Server) releaseChatSlot() { <-s.chatSlot }

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// handleModels godoc
// @Summary List tracked and on-disk model artifacts
// @Produce json
// @Success 200 {object} types.ModelsResponse
// @Router /models [get]
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	loaded := s.sessions.LoadedFilename()
	dir, err := fsutil.ExpandHome(s.modelsDir)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entries := make([]types.ModelEntry, 0)
	for name, rec := range s.store.All() {
		entries = append(entries, types.ModelEntry{
			ArtifactRecord: rec,
			Loaded:         name == loaded,
			Present:        fsutil.PathExists(filepath.Join(dir, name)),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Filename < entries[j].Filename })
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(types.ModelsResponse{Models: entries}); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

// handleCatalog godoc
// @Summary List remote candidates for a model family, falling back to local records when offline
// @Produce json
// @Param family path string true "model family"
// @Success 200 {object} types.CatalogResponse
// @Router /catalog/{family} [get]
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	family := types.Family(chi.URLParam(r, "family"))
	resp := types.CatalogResponse{Family: family}
	names, err := s.catalog.Lookup(r.Context(), family)
	if err != nil {
		// Offline: fall back to locally known artifacts of this family.
		resp.Offline = true
		for name, rec := range s.store.All() {
			if rec.Family == family {
				resp.Filenames = append(resp.Filenames, name)
			}
		}
		sort.Strings(resp.Filenames)
		if zlog != nil {
			zlog.Warn().Err(err).Str("family", string(family)).Msg("catalog offline, serving local records")
		} else {
			log.Printf("catalog offline family=%s err=%v", family, err)
		}
	} else {
		resp.Filenames = names
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handlePull godoc
// @Summary Fetch a model artifact, streaming NDJSON progress lines
// @Accept json
// @Produce x-ndjson
// @Param request body types.PullRequest true "pull request"
// @Success 200 {object} types.PullProgress
// @Failure 409 {object} types.ErrorResponse
// @Failure 502 {object} types.ErrorResponse
// @Router /pull [post]
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req types.PullRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Filename) == "" || strings.TrimSpace(req.URL) == "" {
		writeJSONError(w, http.StatusBadRequest, "filename and url are required")
		return
	}
	if filepath.Base(req.Filename) != req.Filename {
		writeJSONError(w, http.StatusBadRequest, "filename must not contain path separators")
		return
	}
	if s.coord.Active() {
		incrementRejected("pull_active")
		writeJSONError(w, http.StatusConflict, "a download is already in progress")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	enc := json.NewEncoder(w)
	writeLine := func(p types.PullProgress) {
		_ = enc.Encode(p)
		if flush != nil {
			flush()
		}
	}

	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	streamed := false
	path, skipped, err := s.coord.Fetch(ctx, req.Filename, req.URL, func(frac float64) {
		streamed = true
		writeLine(types.PullProgress{Progress: frac})
	})
	if err != nil {
		downloadsTotal.WithLabelValues("failed").Inc()
		if download.IsBusy(err) {
			incrementRejected("pull_active")
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		if streamed {
			// NDJSON already started; the line stream is the only channel left.
			writeLine(types.PullProgress{Done: true, Error: err.Error()})
			return
		}
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	// The coordinator stays decoupled from bookkeeping: the caller owns the
	// record upsert, including the size backfill on the short-circuit path.
	rec, tracked := s.store.Get(req.Filename)
	if !tracked {
		rec = types.ArtifactRecord{
			Filename:     req.Filename,
			Family:       registry.InferFamily(req.Filename),
			DownloadDate: time.Now(),
		}
	}
	if !skipped || rec.SizeBytes == nil {
		if size, serr := fsutil.FileSize(path); serr == nil {
			rec.SizeBytes = &size
		}
	}
	s.store.Upsert(rec)
	downloadsTotal.WithLabelValues(outcomeLabel(skipped)).Inc()
	writeLine(types.PullProgress{Progress: 1, Done: true, Skipped: skipped, Record: &rec})
}

func outcomeLabel(skipped bool) string {
	if skipped {
		return "skipped"
	}
	return "completed"
}

// handleLoad godoc
// @Summary Load a model artifact into the engine
// @Accept json
// @Param request body types.LoadRequest true "load request"
// @Success 200 {object} types.StatusResponse
// @Failure 404 {object} types.ErrorResponse
// @Failure 500 {object} types.ErrorResponse
// @Failure 503 {object} types.ErrorResponse
// @Router /load [post]
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req types.LoadRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	// Swapping engines under a streaming completion would free the handle
	// mid-Generate; hold the chat slot for the duration instead.
	if !s.acquireChatSlot(w) {
		return
	}
	defer s.releaseChatSlot()
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if err := s.sessions.Load(ctx, req.Filename); err != nil {
		loadsTotal.WithLabelValues("failed").Inc()
		switch {
		case manager.IsArtifactNotFound(err):
			writeJSONError(w, http.StatusNotFound, err.Error())
		case manager.IsEngineUnavailable(err):
			writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	loadsTotal.WithLabelValues("ok").Inc()
	// Switching models resets the conversation; this is call-site policy,
	// the session manager does not own the log.
	s.conversation.Reset()
	s.writeStatus(w)
}

// handleUnload godoc
// @Summary Unload the current model and clear the conversation
// @Success 200 {object} types.StatusResponse
// @Router /unload [post]
func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	if !s.acquireChatSlot(w) {
		return
	}
	defer s.releaseChatSlot()
	s.sessions.Unload()
	s.conversation.Reset()
	s.writeStatus(w)
}

// handleDeleteModel godoc
// @Summary Delete an artifact file and its metadata record
// @Param filename path string true "artifact filename"
// @Success 204
// @Failure 409 {object} types.ErrorResponse
// @Router /models/{filename} [delete]
func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if name == "" || filepath.Base(name) != name {
		writeJSONError(w, http.StatusBadRequest, "invalid filename")
		return
	}
	if s.sessions.LoadedFilename() == name {
		writeJSONError(w, http.StatusConflict, "artifact is loaded; unload it first")
		return
	}
	dir, err := fsutil.ExpandHome(s.modelsDir)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.store.Remove(name)
	w.WriteHeader(http.StatusNoContent)
}

// handleChat godoc
// @Summary Run one completion turn, streaming NDJSON chat events
// @Accept json
// @Produce x-ndjson
// @Param request body types.ChatRequest true "chat request"
// @Success 200 {object} types.ChatEvent
// @Failure 409 {object} types.ErrorResponse
// @Router /chat [post]
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSONError(w, http.StatusBadRequest, "content is required")
		return
	}
	gen, err := s.sessions.Generator()
	if err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	if !s.acquireChatSlot(w) {
		return
	}
	defer s.releaseChatSlot()

	lvl := requestLogLevel(r)
	start := time.Now()
	if lvl >= LevelInfo {
		if zlog != nil {
			z := zlog.Info().Str("path", r.URL.Path)
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				z = z.Str("request_id", rid)
			}
			z.Msg("chat start")
		} else {
			log.Printf("chat start path=%s", r.URL.Path)
		}
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	writer := io.Writer(w)
	if lvl >= LevelDebug {
		writer = io.MultiWriter(w, &loggingLineWriter{})
	}
	enc := json.NewEncoder(writer)

	zl := zerologOrNop()
	session := chat.NewSession(s.conversation, gen, zl)
	s.mu.Lock()
	s.current = session
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
	}()

	opts := chat.GenOptions{MaxTokens: req.MaxTokens, Stop: req.Stop}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = s.maxTokens
	}

	// Client disconnect or daemon shutdown cancels generation mid-stream.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	timings, runErr := session.Run(ctx, req.Content, opts, func(u chat.Update) {
		tokensStreamedTotal.Inc()
		_ = enc.Encode(types.ChatEvent{Token: u.Token, Visible: u.Visible, Reasoning: u.Reasoning})
		if flush != nil {
			flush()
		}
	})

	turn, _ := s.conversation.Turn(session.TurnIndex())
	_ = enc.Encode(types.ChatEvent{
		Visible:      turn.Visible,
		Reasoning:    turn.Reasoning,
		Done:         true,
		TokensPerSec: timings.TokensPerSec,
	})
	if flush != nil {
		flush()
	}
	if lvl >= LevelInfo {
		if zlog != nil {
			z := zlog.Info().Dur("dur", time.Since(start)).Float64("tok_per_sec", timings.TokensPerSec)
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				z = z.Str("request_id", rid)
			}
			z.Err(runErr).Msg("chat end")
		} else {
			log.Printf("chat end dur=%s err=%v", time.Since(start), runErr)
		}
	}
}

// handleChatCancel godoc
// @Summary Stop the in-flight completion
// @Success 202
// @Failure 409 {object} types.ErrorResponse
// @Router /chat/cancel [post]
func (s *Server) handleChatCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	session := s.current
	s.mu.Unlock()
	if session == nil {
		writeJSONError(w, http.StatusConflict, "no completion in progress")
		return
	}
	session.Cancel()
	w.WriteHeader(http.StatusAccepted)
}

// handleChatReset godoc
// @Summary Clear the conversation, keeping the system turn
// @Success 204
// @Router /chat/reset [post]
func (s *Server) handleChatReset(w http.ResponseWriter, r *http.Request) {
	s.conversation.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// revealRequest toggles reasoning visibility on one turn.
type revealRequest struct {
	Turn     int  `json:"turn"`
	Revealed bool `json:"revealed"`
}

// handleChatReveal godoc
// @Summary Toggle reasoning visibility for a turn
// @Accept json
// @Success 204
// @Router /chat/reveal [post]
func (s *Server) handleChatReveal(w http.ResponseWriter, r *http.Request) {
	var req revealRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if _, ok := s.conversation.Turn(req.Turn); !ok {
		writeJSONError(w, http.StatusNotFound, "no such turn")
		return
	}
	s.conversation.RevealReasoning(req.Turn, req.Revealed)
	w.WriteHeader(http.StatusNoContent)
}

// handleChatHistory godoc
// @Summary Return the conversation as read-only turn views
// @Produce json
// @Success 200 {array} types.TurnView
// @Router /chat [get]
func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	turns := s.conversation.Turns()
	views := make([]types.TurnView, 0, len(turns))
	for _, t := range turns {
		v := types.TurnView{Role: t.Role, Visible: t.Visible, TokensPerSec: t.TokensPerSec}
		if t.ReasoningRevealed {
			v.Reasoning = t.Reasoning
		}
		views = append(views, v)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

// handleStatus godoc
// @Summary Daemon status
// @Produce json
// @Success 200 {object} types.StatusResponse
// @Router /status [get]
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w)
}

func (s *Server) writeStatus(w http.ResponseWriter) {
	snap := s.sessions.Snapshot()
	s.mu.Lock()
	chatActive := s.current != nil
	s.mu.Unlock()
	resp := types.StatusResponse{
		State:          string(snap.State),
		LoadedModel:    snap.LoadedFilename,
		LastError:      snap.Err,
		Turns:          s.conversation.Len(),
		ChatActive:     chatActive,
		PullActive:     s.coord.Active(),
		UptimeSeconds:  int64(time.Since(s.start).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func zerologOrNop() zerolog.Logger {
	if zlog != nil {
		return *zlog
	}
	return zerolog.Nop()
}
