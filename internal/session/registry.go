// Package session implements the Session Registry: allocation, liveness
// tracking, and lookup of sessions by id.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/ShaleXIONG/veracruz/internal/brokererr"
	"github.com/ShaleXIONG/veracruz/internal/wire"
)

// Session is one client's TLS conversation with the enclave.
type Session struct {
	ID     uint32
	Phase  wire.Phase
	Active bool

	// PrincipalCertFingerprint identifies the authenticated client.
	PrincipalCertFingerprint string

	// seenDataIndices/seenStreamIndices guard against package_id reuse
	// within a phase, per spec.md §4.6's ProtocolOrder rule.
	seenDataIndices   map[uint32]bool
	seenStreamIndices map[uint32]bool
}

func newSession(id uint32, certFingerprint string) *Session {
	return &Session{
		ID:                       id,
		Phase:                    wire.PhaseInitial,
		Active:                   true,
		PrincipalCertFingerprint: certFingerprint,
		seenDataIndices:          make(map[uint32]bool),
		seenStreamIndices:        make(map[uint32]bool),
	}
}

// MarkDataSeen records idx as uploaded in the current phase, returning
// an error if it was already seen (ProtocolOrder: package_id reuse).
func (s *Session) MarkDataSeen(idx uint32) error {
	if s.seenDataIndices[idx] {
		return brokererr.New(brokererr.ProtocolOrder, "data package_id already uploaded this phase")
	}
	s.seenDataIndices[idx] = true
	return nil
}

// MarkStreamSeen is MarkDataSeen's counterpart for stream uploads.
func (s *Session) MarkStreamSeen(idx uint32) error {
	if s.seenStreamIndices[idx] {
		return brokererr.New(brokererr.ProtocolOrder, "stream package_id already uploaded this round")
	}
	s.seenStreamIndices[idx] = true
	return nil
}

// ResetStreamRound clears the per-round stream dedup set, called when
// the phase returns to StreamLoading for a new round.
func (s *Session) ResetStreamRound() {
	s.seenStreamIndices = make(map[uint32]bool)
}

// DataUploadCount is how many distinct data package ids have been marked
// seen this phase, what the Broker Frontend compares against the
// policy's data arity to detect DataLoading completion.
func (s *Session) DataUploadCount() int { return len(s.seenDataIndices) }

// StreamUploadCount is DataUploadCount's counterpart for the current
// streaming round.
func (s *Session) StreamUploadCount() int { return len(s.seenStreamIndices) }

// Store is the persistence boundary for sessions. The default
// implementation (MemoryStore) is in-memory and
// single-process, matching spec.md's model exactly; RedisStore is an
// optional scale-out backend behind the same interface.
type Store interface {
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, id uint32) (*Session, error)
	Delete(ctx context.Context, id uint32) error
}

// Registry allocates session ids (from the enclave's NewTLSSession
// reply) and looks them up for each client request. Session id 0 is
// reserved and is never returned from allocation.
type Registry struct {
	mu    sync.RWMutex
	store Store
	local map[uint32]*Session // fast path cache even with a remote Store
}

// NewRegistry builds a Registry over the given Store. Pass NewMemoryStore()
// for the single-process model spec.md describes.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store: store,
		local: make(map[uint32]*Session),
	}
}

// Allocate registers a session id returned by the enclave's
// NewTLSSession reply. id == 0 is rejected as InvalidSession.
func (r *Registry) Allocate(ctx context.Context, id uint32, certFingerprint string) (*Session, error) {
	if id == 0 {
		return nil, brokererr.New(brokererr.InvalidSession, "enclave returned session id 0")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.local[id]; exists {
		return nil, brokererr.New(brokererr.InvalidSession, "session id already allocated")
	}
	if existing, err := r.store.Load(ctx, id); err == nil && existing != nil {
		return nil, brokererr.New(brokererr.InvalidSession, "session id already allocated")
	}

	s := newSession(id, certFingerprint)
	if err := r.store.Save(ctx, s); err != nil {
		return nil, brokererr.Wrap(brokererr.Internal, fmt.Errorf("save session: %w", err))
	}
	r.local[id] = s
	return s, nil
}

// Get looks up a session by id, failing with InvalidSession if unknown
// and SessionClosed if it was closed by a prior fatal error. On a local
// cache miss it falls back to the Store, so a Registry backed by
// RedisStore can serve a session a different Broker process allocated
// (the local map is a cache, not the source of truth, once a remote
// Store is in play).
func (r *Registry) Get(ctx context.Context, id uint32) (*Session, error) {
	r.mu.RLock()
	s, ok := r.local[id]
	r.mu.RUnlock()
	if !ok {
		loaded, err := r.store.Load(ctx, id)
		if err != nil {
			return nil, brokererr.Wrap(brokererr.Internal, fmt.Errorf("load session: %w", err))
		}
		if loaded == nil {
			return nil, brokererr.New(brokererr.InvalidSession, "unknown session id")
		}
		r.mu.Lock()
		r.local[id] = loaded
		r.mu.Unlock()
		s = loaded
	}
	if !s.Active {
		return nil, brokererr.New(brokererr.SessionClosed, "session was closed")
	}
	return s, nil
}

// Close marks a session inactive. The registry retains the slot only
// long enough for a final drain; callers should Evict after draining.
func (r *Registry) Close(ctx context.Context, id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.local[id]
	if !ok {
		return brokererr.New(brokererr.InvalidSession, "unknown session id")
	}
	s.Active = false
	return r.store.Save(ctx, s)
}

// Evict removes a closed session's slot entirely.
func (r *Registry) Evict(ctx context.Context, id uint32) {
	r.mu.Lock()
	delete(r.local, id)
	r.mu.Unlock()
	_ = r.store.Delete(ctx, id)
}

// Count returns the number of tracked sessions, for metrics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.local)
}
