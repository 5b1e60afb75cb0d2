// Package access decides which chat users may trigger generations.
package access

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// MemberStore persists per-chat membership and public mode.
type MemberStore interface {
	LoadMembers(ctx context.Context, chatID string) ([]string, error)
	SaveMembers(ctx context.Context, chatID string, members []string) error
	LoadPublicMode(ctx context.Context, chatID string) (public bool, found bool, err error)
	SavePublicMode(ctx context.Context, chatID string, public bool) error
}

type chatState struct {
	// persist orders read-modify-write cycles with their store writes.
	persist sync.Mutex

	public  bool
	members map[string]struct{}
}

// Gate is the membership registry. Each chat's state is loaded lazily and
// guarded by the gate's mutex. Mutations of one chat are serialized together
// with their persistence, so the store always ends with the latest state.
type Gate struct {
	mu              sync.RWMutex
	chats           map[string]*chatState
	admins          map[string]struct{}
	publicByDefault bool
	store           MemberStore
}

// NewGate creates a gate. store may be nil for a purely in-memory registry.
func NewGate(admins []string, publicByDefault bool, store MemberStore) *Gate {
	set := make(map[string]struct{}, len(admins))
	for _, admin := range admins {
		if admin != "" {
			set[admin] = struct{}{}
		}
	}
	return &Gate{
		chats:           make(map[string]*chatState),
		admins:          set,
		publicByDefault: publicByDefault,
		store:           store,
	}
}

// Admit reports whether userID may trigger a generation in chatID.
func (g *Gate) Admit(ctx context.Context, chatID, userID string) bool {
	if g.IsAdmin(userID) {
		return true
	}
	state := g.state(ctx, chatID, false)

	g.mu.RLock()
	defer g.mu.RUnlock()
	if state.public {
		return true
	}
	_, ok := state.members[userID]
	return ok
}

// IsAdmin reports whether userID is a configured administrator.
func (g *Gate) IsAdmin(userID string) bool {
	if userID == "" {
		return false
	}
	_, ok := g.admins[userID]
	return ok
}

// AddMember adds userID to the chat's allow-list. It returns false when the
// user was already a member.
func (g *Gate) AddMember(ctx context.Context, chatID, userID string) bool {
	state := g.state(ctx, chatID, true)
	state.persist.Lock()
	defer state.persist.Unlock()

	g.mu.Lock()
	if _, ok := state.members[userID]; ok {
		g.mu.Unlock()
		return false
	}
	state.members[userID] = struct{}{}
	members := sortedMembers(state.members)
	g.mu.Unlock()

	g.saveMembers(ctx, chatID, members)
	log.Info().Str("chat_id", chatID).Str("user_id", userID).Msg("member added")
	return true
}

// RemoveMember removes userID from the allow-list. It returns false when the
// user was not a member.
func (g *Gate) RemoveMember(ctx context.Context, chatID, userID string) bool {
	state := g.state(ctx, chatID, true)
	state.persist.Lock()
	defer state.persist.Unlock()

	g.mu.Lock()
	if _, ok := state.members[userID]; !ok {
		g.mu.Unlock()
		return false
	}
	delete(state.members, userID)
	members := sortedMembers(state.members)
	g.mu.Unlock()

	g.saveMembers(ctx, chatID, members)
	log.Info().Str("chat_id", chatID).Str("user_id", userID).Msg("member removed")
	return true
}

// SetPublic toggles public mode for a chat.
func (g *Gate) SetPublic(ctx context.Context, chatID string, public bool) {
	state := g.state(ctx, chatID, true)
	state.persist.Lock()
	defer state.persist.Unlock()

	g.mu.Lock()
	state.public = public
	g.mu.Unlock()

	if g.store == nil {
		return
	}
	if err := g.store.SavePublicMode(ctx, chatID, public); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to save public mode")
	}
}

// PublicMode reports the chat's current mode.
func (g *Gate) PublicMode(ctx context.Context, chatID string) bool {
	state := g.state(ctx, chatID, false)

	g.mu.RLock()
	defer g.mu.RUnlock()
	return state.public
}

// Members lists the chat's allow-list in sorted order.
func (g *Gate) Members(ctx context.Context, chatID string) []string {
	state := g.state(ctx, chatID, false)

	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedMembers(state.members)
}

// state returns the cached chat state, loading it from the store on first use.
// A failed load yields the defaults; it is cached only when keepOnError is set
// (mutations), otherwise the load is retried on the next call.
func (g *Gate) state(ctx context.Context, chatID string, keepOnError bool) *chatState {
	g.mu.RLock()
	state, ok := g.chats[chatID]
	g.mu.RUnlock()
	if ok {
		return state
	}

	loaded := &chatState{public: g.publicByDefault, members: make(map[string]struct{})}
	cache := true
	if g.store != nil {
		members, err := g.store.LoadMembers(ctx, chatID)
		if err != nil {
			log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to load members")
			cache = false
		}
		for _, m := range members {
			loaded.members[m] = struct{}{}
		}

		public, found, err := g.store.LoadPublicMode(ctx, chatID)
		if err != nil {
			log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to load public mode")
			cache = false
		} else if found {
			loaded.public = public
		}
	}
	if !cache && !keepOnError {
		return loaded
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.chats[chatID]; ok {
		return existing
	}
	g.chats[chatID] = loaded
	return loaded
}

func (g *Gate) saveMembers(ctx context.Context, chatID string, members []string) {
	if g.store == nil {
		return
	}
	if err := g.store.SaveMembers(ctx, chatID, members); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to save members")
	}
}

func sortedMembers(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
