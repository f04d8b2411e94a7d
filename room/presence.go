package room

import (
	"sort"
	"time"

	"github.com/loomflow/loom/access"
	"github.com/loomflow/loom/protocol"
)

// Presence is the live metadata about one participant in a workflow room.
// The room owns its presences; connections hold only ids into the registry.
type Presence struct {
	UserID       string
	UserName     string
	AvatarURL    string
	ConnID       string
	JoinedAt     time.Time
	LastActivity time.Time
	Role         access.Role
	Cursor       *protocol.Cursor
	Selection    *protocol.Selection
}

// Wire converts the presence to its wire form.
func (p Presence) Wire() protocol.PresenceInfo {
	return protocol.PresenceInfo{
		UserID:       p.UserID,
		UserName:     p.UserName,
		AvatarURL:    p.AvatarURL,
		SocketID:     p.ConnID,
		JoinedAt:     p.JoinedAt,
		LastActivity: p.LastActivity,
		Role:         string(p.Role),
		Cursor:       p.Cursor,
		Selection:    p.Selection,
	}
}

// WirePresences converts an ordered snapshot to its wire form.
func WirePresences(snapshot []Presence) []protocol.PresenceInfo {
	users := make([]protocol.PresenceInfo, len(snapshot))
	for i, p := range snapshot {
		users[i] = p.Wire()
	}
	return users
}

// snapshot returns the room's presences ordered by join time, then conn id.
// Caller holds the registry mutex.
func (rm *workflowRoom) snapshot() []Presence {
	out := make([]Presence, 0, len(rm.presences))
	for _, p := range rm.presences {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ConnID < out[j].ConnID
	})
	return out
}

// UpdateCursor mutates the sender's cursor and bumps its activity. It returns
// the room id and updated presence for the delta broadcast.
func (r *Registry) UpdateCursor(connID string, cursor *protocol.Cursor) (workflowID string, p Presence, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workflowID, ok = r.connWorkflow[connID]
	if !ok {
		return "", Presence{}, false
	}
	rm, exists := r.workflows[workflowID]
	if !exists {
		return "", Presence{}, false
	}
	pres, exists := rm.presences[connID]
	if !exists {
		return "", Presence{}, false
	}
	pres.Cursor = cursor
	pres.LastActivity = time.Now()
	return workflowID, *pres, true
}

// UpdateSelection mutates the sender's selection and bumps its activity.
func (r *Registry) UpdateSelection(connID string, selection *protocol.Selection) (workflowID string, p Presence, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workflowID, ok = r.connWorkflow[connID]
	if !ok {
		return "", Presence{}, false
	}
	rm, exists := r.workflows[workflowID]
	if !exists {
		return "", Presence{}, false
	}
	pres, exists := rm.presences[connID]
	if !exists {
		return "", Presence{}, false
	}
	pres.Selection = selection
	pres.LastActivity = time.Now()
	return workflowID, *pres, true
}
