// Package session implements the session registry: the mapping from session
// id to its metadata and ordered message sequence. The registry is mutated
// only by the reconciler and by explicit session commands.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reactchat/client/internal/model"
)

// NewID generates a session id in the backend's format.
func NewID() string {
	return "web_session_" + uuid.New().String()[:8]
}

type sessionState struct {
	meta       model.Session
	messages   []model.Message
	generating bool
}

// Registry holds every known session. Message sequences for different
// sessions never interleave; reads hand out snapshots so the presentation
// layer never observes a sequence mid-mutation.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	active   string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*sessionState)}
}

// Create adds a session. An empty id is replaced with a generated one, an
// empty name with a default derived from the id.
func (r *Registry) Create(id, name string) (model.Session, error) {
	if id == "" {
		id = NewID()
	}
	if name == "" {
		name = "Session " + shortID(id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return model.Session{}, model.ErrSessionExists
	}
	st := &sessionState{meta: model.Session{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now(),
	}}
	r.sessions[id] = st
	if r.active == "" {
		r.active = id
	}
	return st.meta, nil
}

// Ensure returns the session with the given id, creating it when unknown.
// Used when the backend mentions a session this client has not seen yet.
func (r *Registry) Ensure(id string) model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(id).meta
}

// Switch makes the session the active one.
func (r *Registry) Switch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return model.ErrSessionNotFound
	}
	r.active = id
	return nil
}

// Delete removes a session and discards its message sequence.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return model.ErrSessionNotFound
	}
	delete(r.sessions, id)
	if r.active == id {
		r.active = ""
	}
	return nil
}

// Get returns the session metadata.
func (r *Registry) Get(id string) (model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	return st.meta, true
}

// Active returns the active session, if any.
func (r *Registry) Active() (model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[r.active]
	if !ok {
		return model.Session{}, false
	}
	return st.meta, true
}

// ActiveID returns the active session id, or "".
func (r *Registry) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() []model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Session, 0, len(r.sessions))
	for _, st := range r.sessions {
		out = append(out, st.meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Messages returns a snapshot of the session's message sequence.
func (r *Registry) Messages(id string) ([]model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	out := make([]model.Message, len(st.messages))
	copy(out, st.messages)
	return out, nil
}

// Apply runs fn against the session's current sequence under the registry
// lock and installs the returned sequence. The session is created on demand
// so reconciliation never loses events for an unannounced session. Apply is
// the reconciler's single mutation entry point.
func (r *Registry) Apply(id string, fn func(msgs []model.Message) []model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.ensureLocked(id)
	before := len(st.messages)
	st.messages = fn(st.messages)
	if len(st.messages) != before {
		st.meta.Touch(time.Now())
	}
}

// SetGenerating flags whether the session has a turn in progress.
func (r *Registry) SetGenerating(id string, generating bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[id]; ok {
		st.generating = generating
	}
}

// Generating reports whether the session has a turn in progress.
func (r *Registry) Generating(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[id]
	return ok && st.generating
}

// Adopt records a session discovered through a sessions_list event,
// refreshing the name and timestamps on an already known session.
func (r *Registry) Adopt(meta model.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[meta.ID]
	if !ok {
		r.sessions[meta.ID] = &sessionState{meta: meta}
		if r.active == "" {
			r.active = meta.ID
		}
		return
	}
	if meta.Name != "" {
		st.meta.Name = meta.Name
	}
	if !meta.CreatedAt.IsZero() {
		st.meta.CreatedAt = meta.CreatedAt
	}
	if meta.LastMessageAt != nil {
		st.meta.LastMessageAt = meta.LastMessageAt
	}
}

func (r *Registry) ensureLocked(id string) *sessionState {
	if st, ok := r.sessions[id]; ok {
		return st
	}
	st := &sessionState{meta: model.Session{
		ID:        id,
		Name:      "Session " + shortID(id),
		CreatedAt: time.Now(),
	}}
	r.sessions[id] = st
	if r.active == "" {
		r.active = id
	}
	return st
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
