// Package room is the authoritative in-memory directory of workflow and
// workspace rooms. It owns membership sets, the per-connection reverse
// indices, and room lifecycle: a room is created on first join and destroyed
// on last leave (or tombstoned on workflow deletion).
//
// The registry mutex guards only the tiny membership critical sections; no
// durable I/O or socket write ever happens under it. Operation serialization
// across durable calls uses the separate per-room operation mutex handed out
// by BeginOp, so operations on distinct rooms proceed in parallel.
package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/loomflow/loom/access"
)

var (
	// ErrWorkflowDeleted rejects joins of a tombstoned workflow.
	ErrWorkflowDeleted = errors.New("workflow deleted")
	// ErrNoRoom is returned by operations that require an existing room.
	ErrNoRoom = errors.New("no such room")
)

// Conn identifies a connection joining a room. The registry stores only these
// ids and the derived Presence; it never holds socket back-pointers.
type Conn struct {
	ID        string
	UserID    string
	UserName  string
	AvatarURL string
}

// WorkspaceMembership is the reverse-index entry for a connection's workspace.
type WorkspaceMembership struct {
	WorkspaceID string
	UserID      string
	Role        access.Role
}

// workflowRoom is the in-memory state of one workflow's collaboration room.
type workflowRoom struct {
	workflowID   string
	workspaceID  string
	presences    map[string]*Presence // conn id -> presence
	lastModified time.Time

	// opMu serializes the operation pipeline for this room. It is held
	// across durable store calls, unlike the registry mutex.
	opMu sync.Mutex
	// pendingOps keeps the room alive while operations are in flight even
	// if the last member leaves mid-operation.
	pendingOps int
}

// workspaceRoom carries membership only; workspace rooms have no presence.
type workspaceRoom struct {
	workspaceID string
	members     map[string]*WorkspaceMembership // conn id -> membership
}

// Registry is the process-wide room directory. It is initialized at broker
// startup and destroyed on shutdown; a restart loses all rooms and presence.
type Registry struct {
	mu            sync.RWMutex
	workflows     map[string]*workflowRoom
	workspaces    map[string]*workspaceRoom
	connWorkflow  map[string]string // conn id -> workflow id
	connWorkspace map[string]*WorkspaceMembership
	tombstones    map[string]time.Time // workflow id -> expiry
	tombstoneTTL  time.Duration
}

// NewRegistry creates an empty registry. tombstoneTTL bounds how long a
// deleted workflow keeps denying re-joins; afterwards the access check alone
// denies.
func NewRegistry(tombstoneTTL time.Duration) *Registry {
	if tombstoneTTL <= 0 {
		tombstoneTTL = 30 * time.Second
	}
	return &Registry{
		workflows:     make(map[string]*workflowRoom),
		workspaces:    make(map[string]*workspaceRoom),
		connWorkflow:  make(map[string]string),
		connWorkspace: make(map[string]*WorkspaceMembership),
		tombstones:    make(map[string]time.Time),
		tombstoneTTL:  tombstoneTTL,
	}
}

// JoinWorkflow places the connection into the workflow's room, leaving any
// previous workflow room first. It returns the id of the room that was left
// ("" if none) and the snapshot of the joined room.
func (r *Registry) JoinWorkflow(c Conn, workflowID, workspaceID string, role access.Role) (left string, snapshot []Presence, err error) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if expiry, ok := r.tombstones[workflowID]; ok {
		if now.Before(expiry) {
			return "", nil, ErrWorkflowDeleted
		}
		delete(r.tombstones, workflowID)
	}

	left = r.leaveWorkflowLocked(c.ID)

	rm, ok := r.workflows[workflowID]
	if !ok {
		rm = &workflowRoom{
			workflowID:   workflowID,
			workspaceID:  workspaceID,
			presences:    make(map[string]*Presence),
			lastModified: now,
		}
		r.workflows[workflowID] = rm
	}

	rm.presences[c.ID] = &Presence{
		UserID:       c.UserID,
		UserName:     c.UserName,
		AvatarURL:    c.AvatarURL,
		ConnID:       c.ID,
		JoinedAt:     now,
		LastActivity: now,
		Role:         role,
	}
	r.connWorkflow[c.ID] = workflowID

	return left, rm.snapshot(), nil
}

// LeaveWorkflow removes the connection from its workflow room, destroying the
// room when the last member leaves and no operation is in flight. It returns
// the room's id and post-leave snapshot.
func (r *Registry) LeaveWorkflow(connID string) (workflowID string, snapshot []Presence, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workflowID = r.leaveWorkflowLocked(connID)
	if workflowID == "" {
		return "", nil, false
	}
	if rm, exists := r.workflows[workflowID]; exists {
		snapshot = rm.snapshot()
	}
	return workflowID, snapshot, true
}

// leaveWorkflowLocked removes connID from its workflow room. Caller holds r.mu.
func (r *Registry) leaveWorkflowLocked(connID string) string {
	workflowID, ok := r.connWorkflow[connID]
	if !ok {
		return ""
	}
	delete(r.connWorkflow, connID)

	rm, ok := r.workflows[workflowID]
	if !ok {
		return workflowID
	}
	delete(rm.presences, connID)
	if len(rm.presences) == 0 && rm.pendingOps == 0 {
		delete(r.workflows, workflowID)
	}
	return workflowID
}

// JoinWorkspace places the connection into the workspace's room, leaving any
// previous workspace room first. Returns the id of the room left, if any.
func (r *Registry) JoinWorkspace(c Conn, workspaceID string, role access.Role) (left string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	left = r.leaveWorkspaceLocked(c.ID)

	rm, ok := r.workspaces[workspaceID]
	if !ok {
		rm = &workspaceRoom{
			workspaceID: workspaceID,
			members:     make(map[string]*WorkspaceMembership),
		}
		r.workspaces[workspaceID] = rm
	}
	m := &WorkspaceMembership{WorkspaceID: workspaceID, UserID: c.UserID, Role: role}
	rm.members[c.ID] = m
	r.connWorkspace[c.ID] = m
	return left
}

// LeaveWorkspace removes the connection from its workspace room.
func (r *Registry) LeaveWorkspace(connID string) (workspaceID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workspaceID = r.leaveWorkspaceLocked(connID)
	return workspaceID, workspaceID != ""
}

func (r *Registry) leaveWorkspaceLocked(connID string) string {
	m, ok := r.connWorkspace[connID]
	if !ok {
		return ""
	}
	delete(r.connWorkspace, connID)

	rm, ok := r.workspaces[m.WorkspaceID]
	if !ok {
		return m.WorkspaceID
	}
	delete(rm.members, connID)
	if len(rm.members) == 0 {
		delete(r.workspaces, m.WorkspaceID)
	}
	return m.WorkspaceID
}

// Disconnect removes the connection from every room. It returns the workflow
// room's id and post-leave snapshot so the caller can broadcast a presence
// update to the remaining members.
func (r *Registry) Disconnect(connID string) (workflowID string, snapshot []Presence, workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workflowID = r.leaveWorkflowLocked(connID)
	if workflowID != "" {
		if rm, ok := r.workflows[workflowID]; ok {
			snapshot = rm.snapshot()
		}
	}
	workspaceID = r.leaveWorkspaceLocked(connID)
	return workflowID, snapshot, workspaceID
}

// Tombstone removes every connection from the workflow's room and denies
// re-joins until the tombstone expires. It returns the ids of the evicted
// connections.
func (r *Registry) Tombstone(workflowID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tombstones[workflowID] = time.Now().Add(r.tombstoneTTL)

	rm, ok := r.workflows[workflowID]
	if !ok {
		return nil
	}
	conns := make([]string, 0, len(rm.presences))
	for connID := range rm.presences {
		conns = append(conns, connID)
		delete(r.connWorkflow, connID)
	}
	delete(r.workflows, workflowID)
	sort.Strings(conns)
	return conns
}

// BeginOp acquires the workflow room's operation mutex and pins the room
// against destruction. The returned release function must be called exactly
// once, after the durable commit and broadcasts.
func (r *Registry) BeginOp(workflowID string) (release func(), err error) {
	r.mu.Lock()
	rm, ok := r.workflows[workflowID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNoRoom
	}
	rm.pendingOps++
	r.mu.Unlock()

	rm.opMu.Lock()

	return func() {
		rm.opMu.Unlock()

		r.mu.Lock()
		rm.pendingOps--
		if len(rm.presences) == 0 && rm.pendingOps == 0 {
			// The last member left while the operation was in flight.
			if current, ok := r.workflows[workflowID]; ok && current == rm {
				delete(r.workflows, workflowID)
			}
		}
		r.mu.Unlock()
	}, nil
}

// SetLastModified bumps the room's last-modified timestamp, keeping it
// strictly monotonic.
func (r *Registry) SetLastModified(workflowID string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.workflows[workflowID]; ok {
		if t.After(rm.lastModified) {
			rm.lastModified = t
		}
	}
}

// LastModified reports the room's last-modified timestamp.
func (r *Registry) LastModified(workflowID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.workflows[workflowID]
	if !ok {
		return time.Time{}, false
	}
	return rm.lastModified, true
}

// WorkflowForConn reports which workflow room the connection is in.
func (r *Registry) WorkflowForConn(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.connWorkflow[connID]
	return id, ok
}

// WorkspaceForConn reports the connection's workspace membership.
func (r *Registry) WorkspaceForConn(connID string) (WorkspaceMembership, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.connWorkspace[connID]
	if !ok {
		return WorkspaceMembership{}, false
	}
	return *m, true
}

// WorkflowPresence returns the connection's presence entry in its room.
func (r *Registry) WorkflowPresence(connID string) (Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	workflowID, ok := r.connWorkflow[connID]
	if !ok {
		return Presence{}, false
	}
	rm, ok := r.workflows[workflowID]
	if !ok {
		return Presence{}, false
	}
	p, ok := rm.presences[connID]
	if !ok {
		return Presence{}, false
	}
	return *p, true
}

// WorkflowPresences returns the ordered presence snapshot of a room.
func (r *Registry) WorkflowPresences(workflowID string) []Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.workflows[workflowID]
	if !ok {
		return nil
	}
	return rm.snapshot()
}

// WorkflowConns returns the connection ids in a workflow room.
func (r *Registry) WorkflowConns(workflowID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.workflows[workflowID]
	if !ok {
		return nil
	}
	conns := make([]string, 0, len(rm.presences))
	for connID := range rm.presences {
		conns = append(conns, connID)
	}
	sort.Strings(conns)
	return conns
}

// WorkspaceConns returns the connection ids in a workspace room.
func (r *Registry) WorkspaceConns(workspaceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.workspaces[workspaceID]
	if !ok {
		return nil
	}
	conns := make([]string, 0, len(rm.members))
	for connID := range rm.members {
		conns = append(conns, connID)
	}
	sort.Strings(conns)
	return conns
}

// UserEviction describes one connection affected by a permission change.
type UserEviction struct {
	ConnID     string
	WorkflowID string // "" when the conn is only in the workspace room
}

// ConnsForUser returns every connection of the user that is a member of the
// workspace room or of a workflow room belonging to the workspace.
func (r *Registry) ConnsForUser(userID, workspaceID string) []UserEviction {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]UserEviction)
	if ws, ok := r.workspaces[workspaceID]; ok {
		for connID, m := range ws.members {
			if m.UserID == userID {
				seen[connID] = UserEviction{ConnID: connID}
			}
		}
	}
	for _, rm := range r.workflows {
		if rm.workspaceID != workspaceID {
			continue
		}
		for connID, p := range rm.presences {
			if p.UserID == userID {
				seen[connID] = UserEviction{ConnID: connID, WorkflowID: rm.workflowID}
			}
		}
	}

	evictions := make([]UserEviction, 0, len(seen))
	for _, ev := range seen {
		evictions = append(evictions, ev)
	}
	sort.Slice(evictions, func(i, j int) bool { return evictions[i].ConnID < evictions[j].ConnID })
	return evictions
}

// UpdateUserRole rewrites the cached role on every membership and presence of
// the user within the workspace. It returns the ids of the workflow rooms
// whose presence snapshots changed.
func (r *Registry) UpdateUserRole(userID, workspaceID string, role access.Role) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ws, ok := r.workspaces[workspaceID]; ok {
		for _, m := range ws.members {
			if m.UserID == userID {
				m.Role = role
			}
		}
	}

	var changed []string
	for _, rm := range r.workflows {
		if rm.workspaceID != workspaceID {
			continue
		}
		for _, p := range rm.presences {
			if p.UserID == userID {
				p.Role = role
				changed = append(changed, rm.workflowID)
				break
			}
		}
	}
	sort.Strings(changed)
	return changed
}

// UniqueUsers counts distinct user ids in a workflow room, deduplicating
// multiple connections per user.
func (r *Registry) UniqueUsers(workflowID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.workflows[workflowID]
	if !ok {
		return 0
	}
	users := make(map[string]struct{}, len(rm.presences))
	for _, p := range rm.presences {
		users[p.UserID] = struct{}{}
	}
	return len(users)
}

// TotalConnections counts connections across all workflow rooms.
func (r *Registry) TotalConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, rm := range r.workflows {
		total += len(rm.presences)
	}
	return total
}

// RoomCounts reports the number of live workflow and workspace rooms.
func (r *Registry) RoomCounts() (workflowRooms, workspaceRooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows), len(r.workspaces)
}
