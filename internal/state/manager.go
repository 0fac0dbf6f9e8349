// Package state implements the Room Registry: the process-wide mapping from
// room id (the document being collaborated on) to its member connections and
// live cursor table, plus the lazily-populated user color map.
//
// All mutation goes through Manager methods behind a single mutex; no other
// component touches this state directly. Handling of one message is therefore
// atomic with respect to registry state, which is the only serialization the
// protocol requires.
package state

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/epgroup-ai/PhasePro-sub000/internal/types"
	"github.com/epgroup-ai/PhasePro-sub000/pkg/protocol"
)

// room is one collaborated-on document: its member set and the most recent
// cursor position per user. Rooms are created implicitly on first join and
// discarded, cursor table included, when the member set empties.
type room struct {
	members map[*types.Conn]struct{}
	cursors map[int64]protocol.CursorPosition
}

// RoomUpdate describes one room affected by a bulk membership change, with
// the recomputed presence list and the members it should be pushed to.
type RoomUpdate struct {
	RoomID   int64
	Presence []protocol.ActiveUser
	Members  []*types.Conn
}

// Manager owns all shared collaboration state for the server process.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[int64]*room
	conns  map[string]*types.Conn
	colors map[int64]string
	rng    *rand.Rand
}

func NewManager() *Manager {
	return &Manager{
		rooms:  make(map[int64]*room),
		conns:  make(map[string]*types.Conn),
		colors: make(map[int64]string),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddConn registers a connection for heartbeat probing. Called once when the
// transport is established, before any join.
func (m *Manager) AddConn(c *types.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.ID] = c
}

// RemoveConn forgets a connection. Membership cleanup is LeaveAll's job.
func (m *Manager) RemoveConn(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, id)
}

// Conns returns a snapshot of every registered connection.
func (m *Manager) Conns() []*types.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*types.Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// Join adds c to the room, creating it if absent, records the user identity
// on the connection, and assigns the user a color if none exists yet. It
// returns the room's current cursor snapshot (for the joiner), the recomputed
// presence list, and the full member set the presence push goes to.
func (m *Manager) Join(roomID int64, c *types.Conn, userID int64, userName string) ([]protocol.CursorPosition, []protocol.ActiveUser, []*types.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		r = &room{
			members: make(map[*types.Conn]struct{}),
			cursors: make(map[int64]protocol.CursorPosition),
		}
		m.rooms[roomID] = r
	}

	// Identity is pinned by the first join; color the identity actually
	// recorded, not whatever a later join claims.
	c.Identify(userID, userName)
	pinnedID, _ := c.Identity()
	m.colorForLocked(pinnedID)
	r.members[c] = struct{}{}
	c.AddRoom(roomID)

	snapshot := make([]protocol.CursorPosition, 0, len(r.cursors))
	for _, pos := range r.cursors {
		snapshot = append(snapshot, pos)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].UserID < snapshot[j].UserID })

	return snapshot, m.presenceLocked(r), m.membersLocked(r, nil)
}

// Leave removes c from the room and drops the user's cursor entry in the same
// operation. An empty room is discarded entirely. Leaving a room the
// connection is not a member of is not an error; callers treat ErrNotMember
// and ErrRoomNotFound as a no-op.
func (m *Manager) Leave(roomID int64, c *types.Conn) ([]protocol.ActiveUser, []*types.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(roomID, c)
}

func (m *Manager) leaveLocked(roomID int64, c *types.Conn) ([]protocol.ActiveUser, []*types.Conn, error) {
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, nil, ErrRoomNotFound
	}
	if _, ok := r.members[c]; !ok {
		return nil, nil, ErrNotMember
	}

	delete(r.members, c)
	c.DropRoom(roomID)

	userID, _ := c.Identity()
	// The cursor table only ever contains users present in the member set.
	// The same user may hold another connection in the room (two tabs); keep
	// the entry in that case.
	stillPresent := false
	for member := range r.members {
		if id, _ := member.Identity(); id == userID {
			stillPresent = true
			break
		}
	}
	if !stillPresent {
		delete(r.cursors, userID)
	}

	if len(r.members) == 0 {
		delete(m.rooms, roomID)
		return nil, nil, nil
	}
	return m.presenceLocked(r), m.membersLocked(r, nil), nil
}

// LeaveAll runs the leave path for every room the connection is a member of.
// This is the implicit cleanup executed when a transport closes.
func (m *Manager) LeaveAll(c *types.Conn) []RoomUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	var updates []RoomUpdate
	for _, roomID := range c.Rooms() {
		presence, members, err := m.leaveLocked(roomID, c)
		if err != nil || len(members) == 0 {
			continue
		}
		updates = append(updates, RoomUpdate{RoomID: roomID, Presence: presence, Members: members})
	}
	return updates
}

// UpdateCursor overwrites the room's cursor entry for the sender and returns
// the enriched position plus the other members it should be relayed to. A
// sender that is not a member gets ErrNotMember and the update is discarded.
func (m *Manager) UpdateCursor(roomID int64, c *types.Conn, upd protocol.CursorUpdate) (protocol.CursorPosition, []*types.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return protocol.CursorPosition{}, nil, ErrRoomNotFound
	}
	if _, ok := r.members[c]; !ok {
		return protocol.CursorPosition{}, nil, ErrNotMember
	}

	userID, userName := c.Identity()
	pos := protocol.CursorPosition{
		X:          upd.X,
		Y:          upd.Y,
		UserID:     userID,
		UserName:   userName,
		Color:      m.colorForLocked(userID),
		FieldID:    upd.FieldID,
		DocumentID: upd.DocumentID,
	}
	r.cursors[userID] = pos
	return pos, m.membersLocked(r, c), nil
}

// EditRecipients checks membership and returns the other members an edit from
// c should be relayed to.
func (m *Manager) EditRecipients(roomID int64, c *types.Conn) ([]*types.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if _, ok := r.members[c]; !ok {
		return nil, ErrNotMember
	}
	return m.membersLocked(r, c), nil
}

// Presence returns the de-duplicated active-user list for a room. Used by the
// introspection API; broadcasts get the list from the mutating call itself.
func (m *Manager) Presence(roomID int64) []protocol.ActiveUser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	return m.presenceLocked(r)
}

// ColorFor returns the process-wide color for a user, assigning one if the
// user has not been seen before.
func (m *Manager) ColorFor(userID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.colorForLocked(userID)
}

// presenceLocked recomputes the room's active-user list from scratch. It is a
// derived view: recomputing on every membership change avoids drift that
// incremental patching would accumulate.
func (m *Manager) presenceLocked(r *room) []protocol.ActiveUser {
	seen := make(map[int64]struct{}, len(r.members))
	users := make([]protocol.ActiveUser, 0, len(r.members))
	for member := range r.members {
		userID, userName := member.Identity()
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		users = append(users, protocol.ActiveUser{
			UserID:   userID,
			UserName: userName,
			// Join assigned the color before the user entered any member set,
			// so a plain read is safe under the read lock.
			Color: m.colors[userID],
		})
	}
	// Sort by user id for consistent ordering
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

func (m *Manager) membersLocked(r *room, exclude *types.Conn) []*types.Conn {
	members := make([]*types.Conn, 0, len(r.members))
	for member := range r.members {
		if member == exclude {
			continue
		}
		members = append(members, member)
	}
	return members
}

// Stats summarizes registry state for the introspection API.
func (m *Manager) Stats() types.ServerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make(map[int64]struct{})
	cursors := 0
	for _, r := range m.rooms {
		cursors += len(r.cursors)
		for member := range r.members {
			id, _ := member.Identity()
			users[id] = struct{}{}
		}
	}
	return types.ServerStats{
		Rooms:       len(m.rooms),
		Connections: len(m.conns),
		Users:       len(users),
		Cursors:     cursors,
	}
}

// RoomInfos lists every live room with its presence, sorted by room id.
func (m *Manager) RoomInfos() []types.RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]types.RoomInfo, 0, len(m.rooms))
	for roomID, r := range m.rooms {
		infos = append(infos, types.RoomInfo{
			RoomID:  roomID,
			Members: len(r.members),
			Users:   m.presenceLocked(r),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].RoomID < infos[j].RoomID })
	return infos
}
