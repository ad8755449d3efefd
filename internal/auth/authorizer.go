package auth

import "sync"

// Authorizer answers per-action permission checks. Implementations are
// expected to be fast and in-memory; remote policy engines should cache.
type Authorizer interface {
	CanConnect(id Identity, channelID string) bool
	CanSpeak(id Identity, channelID string) bool
	CanManage(id Identity, channelID string) bool
	CanModerate(id Identity) bool
}

// StaticAuthorizer lets everyone connect and speak, and grants manage and
// moderate to a fixed set of moderators. Individual channels may be closed.
type StaticAuthorizer struct {
	mu         sync.RWMutex
	moderators map[string]struct{}
	closed     map[string]struct{}
}

func NewStaticAuthorizer(moderatorIDs []string) *StaticAuthorizer {
	a := &StaticAuthorizer{
		moderators: make(map[string]struct{}, len(moderatorIDs)),
		closed:     make(map[string]struct{}),
	}
	for _, id := range moderatorIDs {
		if id != "" {
			a.moderators[id] = struct{}{}
		}
	}
	return a
}

// CloseChannel denies connect to non-moderators.
func (a *StaticAuthorizer) CloseChannel(channelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed[channelID] = struct{}{}
}

func (a *StaticAuthorizer) isModerator(userID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.moderators[userID]
	return ok
}

func (a *StaticAuthorizer) CanConnect(id Identity, channelID string) bool {
	if a.isModerator(id.UserID) {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, closed := a.closed[channelID]
	return !closed
}

func (a *StaticAuthorizer) CanSpeak(id Identity, channelID string) bool {
	return a.CanConnect(id, channelID)
}

func (a *StaticAuthorizer) CanManage(id Identity, _ string) bool {
	return a.isModerator(id.UserID)
}

func (a *StaticAuthorizer) CanModerate(id Identity) bool {
	return a.isModerator(id.UserID)
}
