package telepathy

import (
	"sync"
	"sync/atomic"

	"github.com/chanderlud/telepathy/internal/coretypes"
	"github.com/chanderlud/telepathy/internal/overlay"
)

// sharedState holds the gains, feature flags, contact book,
// and room membership that every pipeline/session the Engine builds reads
// or mutates live, independent of any one call's lifetime.
type sharedState struct {
	muted      atomic.Bool
	deafened   atomic.Bool
	denoise    atomic.Bool
	inputGain  coretypes.AtomicFloat32
	outputGain coretypes.AtomicFloat32

	mu       sync.RWMutex
	identity Identity
	contacts map[overlay.PeerID]Contact
	room     map[overlay.PeerID]struct{} // current room membership, if any
}

func newSharedState(identity Identity) *sharedState {
	s := &sharedState{
		identity: identity,
		contacts: make(map[overlay.PeerID]Contact),
		room:     make(map[overlay.PeerID]struct{}),
	}
	s.denoise.Store(true)
	s.inputGain.Store(1.0)
	s.outputGain.Store(1.0)
	return s
}

func (s *sharedState) setIdentity(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

func (s *sharedState) getIdentity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *sharedState) setContact(c Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.PeerID] = c
}

func (s *sharedState) removeContact(peer overlay.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contacts, peer)
}

// getContact looks up an entry in the Engine's own contact book (kept by
// SetContact/RemoveContact). The session manager's unknown-peer check does
// not consult this book.
func (s *sharedState) getContact(peer overlay.PeerID) (Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[peer]
	return c, ok
}

func (s *sharedState) isRoomMember(peer overlay.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.room[peer]
	return ok
}

func (s *sharedState) setRoomMembers(members []overlay.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = make(map[overlay.PeerID]struct{}, len(members))
	for _, m := range members {
		s.room[m] = struct{}{}
	}
}

func (s *sharedState) clearRoomMembers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = make(map[overlay.PeerID]struct{})
}
