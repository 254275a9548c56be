package presence

import (
	"encoding/json"
	"hash/fnv"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Server-emitted events. Client-originated events (cursor moves, the legacy
// coarse node/edge notifications kept for clients that do not speak the
// document channel) pass through Relay under their own names.
const (
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventDocumentUpdated = "document-updated"
)

// memberPalette provides the display colors assigned to members that join
// without one. Assignment is a stable hash of the user id so the same user
// gets the same color across reconnects.
var memberPalette = []string{
	"#e63946", "#f4a261", "#2a9d8f", "#457b9d",
	"#8338ec", "#ff006e", "#06d6a0", "#ffd166",
}

// Member is the ephemeral per-room record describing who is present. It is
// never persisted.
type Member struct {
	ConnID string `json:"connId"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

// Conn is the transport handle the room layer delivers through. Send is
// best-effort: an error means this member missed the event, nothing more.
type Conn interface {
	ID() string
	Send(roomID, event string, payload any) error
}

// MemberList is the payload of membership broadcasts.
type MemberList struct {
	Users []Member `json:"users"`
}

type occupant struct {
	conn   Conn
	member Member
}

// Rooms relays transient collaboration signals between the members of each
// project room. It carries no persistence and promises no ordering beyond
// "delivered after send, eventually, to currently-connected members"; it is
// deliberately independent of the document channel, so a client can be
// present without having loaded the document and vice versa.
type Rooms struct {
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[string]map[string]*occupant // room id -> conn id -> occupant
	conns map[string]map[string]struct{}  // conn id -> room ids
}

// NewRooms constructs the room registry.
func NewRooms(logger *zap.Logger) *Rooms {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rooms{
		logger: logger,
		rooms:  make(map[string]map[string]*occupant),
		conns:  make(map[string]map[string]struct{}),
	}
}

// Join adds the connection to the room and broadcasts the updated member
// list to the whole room, joiner included. A member without a color is
// assigned one from the palette.
func (r *Rooms) Join(roomID string, conn Conn, member Member) {
	member.ConnID = conn.ID()
	if member.Color == "" {
		member.Color = colorFor(member.UserID)
	}

	r.mu.Lock()
	occupants, ok := r.rooms[roomID]
	if !ok {
		occupants = make(map[string]*occupant)
		r.rooms[roomID] = occupants
	}
	occupants[conn.ID()] = &occupant{conn: conn, member: member}

	memberships, ok := r.conns[conn.ID()]
	if !ok {
		memberships = make(map[string]struct{})
		r.conns[conn.ID()] = memberships
	}
	memberships[roomID] = struct{}{}
	r.mu.Unlock()

	r.logger.Info("member joined room",
		zap.String("room", roomID),
		zap.String("conn", conn.ID()),
		zap.String("user", member.UserID))
	r.broadcastMembers(roomID, EventUserJoined)
}

// Leave removes the connection from the room and broadcasts the updated
// member list to the remainder.
func (r *Rooms) Leave(roomID, connID string) {
	r.mu.Lock()
	removed := r.removeLocked(roomID, connID)
	r.mu.Unlock()

	if removed {
		r.broadcastMembers(roomID, EventUserLeft)
	}
}

// Drop removes the connection from every room it belonged to, broadcasting a
// membership update per room. Called on transport disconnect.
func (r *Rooms) Drop(connID string) {
	r.mu.Lock()
	roomIDs := make([]string, 0, len(r.conns[connID]))
	for roomID := range r.conns[connID] {
		roomIDs = append(roomIDs, roomID)
	}
	for _, roomID := range roomIDs {
		r.removeLocked(roomID, connID)
	}
	r.mu.Unlock()

	for _, roomID := range roomIDs {
		r.broadcastMembers(roomID, EventUserLeft)
	}
}

// removeLocked requires r.mu held.
func (r *Rooms) removeLocked(roomID, connID string) bool {
	occupants, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, present := occupants[connID]; !present {
		return false
	}
	delete(occupants, connID)
	if len(occupants) == 0 {
		delete(r.rooms, roomID)
	}
	if memberships, ok := r.conns[connID]; ok {
		delete(memberships, roomID)
		if len(memberships) == 0 {
			delete(r.conns, connID)
		}
	}
	return true
}

// Members returns the current member list of a room, ordered by connection
// id for stable broadcasts.
func (r *Rooms) Members(roomID string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked(roomID)
}

func (r *Rooms) membersLocked(roomID string) []Member {
	occupants := r.rooms[roomID]
	members := make([]Member, 0, len(occupants))
	for _, occ := range occupants {
		members = append(members, occ.member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ConnID < members[j].ConnID })
	return members
}

// Relay fires an event at every room member except the sender. Delivery is
// fire-and-forget: a failure for one member never blocks the others and has
// no effect on document merge correctness.
func (r *Rooms) Relay(roomID, event string, payload json.RawMessage, excludeConnID string) {
	r.mu.Lock()
	receivers := r.receiversLocked(roomID, excludeConnID)
	r.mu.Unlock()

	r.deliver(roomID, event, payload, receivers)
}

// Broadcast fires an event at every room member.
func (r *Rooms) Broadcast(roomID, event string, payload any) {
	r.mu.Lock()
	receivers := r.receiversLocked(roomID, "")
	r.mu.Unlock()

	r.deliver(roomID, event, payload, receivers)
}

// DocumentSaved emits the coarse invalidation event to the room named after
// the document once a durable save completed. Consumers re-fetch through the
// CRUD layer; the payload carries only the acting user.
func (r *Rooms) DocumentSaved(name string, actorID string) {
	r.Broadcast(name, EventDocumentUpdated, map[string]string{"userId": actorID})
}

func (r *Rooms) receiversLocked(roomID, excludeConnID string) []Conn {
	occupants := r.rooms[roomID]
	receivers := make([]Conn, 0, len(occupants))
	for connID, occ := range occupants {
		if connID == excludeConnID {
			continue
		}
		receivers = append(receivers, occ.conn)
	}
	return receivers
}

func (r *Rooms) deliver(roomID, event string, payload any, receivers []Conn) {
	for _, conn := range receivers {
		if err := conn.Send(roomID, event, payload); err != nil {
			r.logger.Warn("presence delivery failed",
				zap.String("room", roomID),
				zap.String("event", event),
				zap.String("conn", conn.ID()),
				zap.Error(err))
		}
	}
}

func (r *Rooms) broadcastMembers(roomID, event string) {
	r.mu.Lock()
	members := r.membersLocked(roomID)
	receivers := r.receiversLocked(roomID, "")
	r.mu.Unlock()

	r.deliver(roomID, event, MemberList{Users: members}, receivers)
}

func colorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return memberPalette[h.Sum32()%uint32(len(memberPalette))]
}
