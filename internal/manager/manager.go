// Package manager owns the at-most-one loaded inference engine handle and
// mediates load/unload transitions.
package manager

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/chat"
	"chatd/internal/common/fsutil"
)

// SessionManager enforces the single-loaded-model invariant: loading a new
// artifact first forces any existing engine to Unloaded, so no two engine
// handles are ever live at once (the runtime resource is exclusive).
type SessionManager struct {
	// loadMu serializes Load end to end, held across the slow adapter call.
	// Without it two concurrent loads both pass the teardown step and leave
	// two live engine handles.
	loadMu sync.Mutex

	mu        sync.RWMutex
	state     State
	loaded    string
	err       string
	engine    Engine
	dir       string
	adapter   EngineAdapter
	publisher EventPublisher
	log       zerolog.Logger
}

// New builds a SessionManager over the models directory using the given
// engine adapter.
func New(dir string, adapter EngineAdapter, log zerolog.Logger) *SessionManager {
	return &SessionManager{
		state:     StateUnloaded,
		dir:       dir,
		adapter:   adapter,
		publisher: noopPublisher{},
		log:       log.With().Str("component", "session").Logger(),
	}
}

// SetPublisher installs a lifecycle event publisher.
func (m *SessionManager) SetPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

// Load loads the named artifact. Any Ready or Loading session is forced to
// Unloaded first, releasing its handle. On adapter failure the session moves
// to Failed; a later Load is permitted from Failed.
func (m *SessionManager) Load(ctx context.Context, filename string) error {
	if filename == "" {
		return ErrArtifactNotFound("(unspecified)")
	}
	dir, err := fsutil.ExpandHome(m.dir)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, filename)
	if !fsutil.PathExists(path) {
		return ErrArtifactNotFound(filename)
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	start := time.Now()
	m.mu.Lock()
	// Enforce at-most-one: tear down whatever is live before loading.
	if m.engine != nil {
		prev := m.loaded
		_ = m.engine.Close()
		m.engine = nil
		m.loaded = ""
		m.state = StateUnloaded
		m.publisher.Publish(Event{Name: "unload_done", Filename: prev, Fields: map[string]any{"reason": "replaced"}})
		m.log.Info().Str("file", prev).Msg("unloaded previous model before load")
	}
	m.state = StateLoading
	m.loaded = filename
	m.err = ""
	pub := m.publisher
	m.mu.Unlock()

	pub.Publish(Event{Name: "load_start", Filename: filename, Fields: map[string]any{}})
	m.log.Info().Str("file", filename).Msg("load start")

	// The adapter call is the slow part; run it outside the lock so
	// Snapshot observers see the Loading phase.
	eng, loadErr := m.adapter.Load(ctx, path)

	m.mu.Lock()
	defer m.mu.Unlock()
	if loadErr != nil {
		m.state = StateFailed
		m.loaded = ""
		m.err = loadErr.Error()
		pub.Publish(Event{Name: "load_error", Filename: filename, Fields: map[string]any{"error": loadErr.Error()}})
		m.log.Error().Err(loadErr).Str("file", filename).Msg("load failed")
		if IsEngineUnavailable(loadErr) {
			return loadErr
		}
		return ErrLoadFailed(loadErr.Error())
	}
	if m.engine != nil {
		// Should be unreachable while loadMu is held; close rather than
		// leak an exclusive handle if it ever is.
		_ = m.engine.Close()
	}
	m.engine = eng
	m.state = StateReady
	m.err = ""
	pub.Publish(Event{Name: "load_ready", Filename: filename, Fields: map[string]any{"dur_ms": int(time.Since(start) / time.Millisecond)}})
	m.log.Info().Str("file", filename).Dur("dur", time.Since(start)).Msg("load ready")
	return nil
}

// Unload releases the engine handle and returns the session to Unloaded.
// Clearing the conversation log is the caller's policy, not enforced here.
func (m *SessionManager) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine != nil {
		_ = m.engine.Close()
		m.engine = nil
	}
	prev := m.loaded
	m.loaded = ""
	m.state = StateUnloaded
	m.err = ""
	if prev != "" {
		m.publisher.Publish(Event{Name: "unload_done", Filename: prev, Fields: map[string]any{}})
		m.log.Info().Str("file", prev).Msg("unloaded")
	}
}

// Ready reports whether an engine is loaded and usable.
func (m *SessionManager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateReady && m.engine != nil
}

// Snapshot returns a read-only view of the session state.
func (m *SessionManager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.state, LoadedFilename: m.loaded, Err: m.err}
}

// Generator returns the generation capability bound to the loaded engine,
// or a not-ready error when nothing is Ready.
func (m *SessionManager) Generator() (chat.Generator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateReady || m.engine == nil {
		return nil, ErrNotReady()
	}
	return m.engine, nil
}

// LoadedFilename returns the artifact backing the current session, if any.
func (m *SessionManager) LoadedFilename() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}
