package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tracelayer/plm/backend/internal/presence"
)

func (b *testBackend) dialPresence(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(b.websocketURL(t, "/presence"), nil)
	if err != nil {
		t.Fatalf("failed to dial presence channel: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func joinProject(t *testing.T, conn *websocket.Conn, projectID, userID, name string) {
	t.Helper()
	err := conn.WriteJSON(presenceEnvelope{
		Event:     presenceEventJoin,
		ProjectID: projectID,
		User:      &presence.Member{UserID: userID, Name: name},
	})
	if err != nil {
		t.Fatalf("failed to send join: %v", err)
	}
}

// readPresenceEvent skips unrelated frames until the wanted event arrives.
func readPresenceEvent(t *testing.T, conn *websocket.Conn, event string) presenceEnvelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	for {
		var envelope presenceEnvelope
		if err := conn.ReadJSON(&envelope); err != nil {
			t.Fatalf("failed waiting for %s: %v", event, err)
		}
		if envelope.Event == event {
			return envelope
		}
	}
}

func assertNoPresenceEvent(t *testing.T, conn *websocket.Conn, event string) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	for {
		var envelope presenceEnvelope
		if err := conn.ReadJSON(&envelope); err != nil {
			return
		}
		if envelope.Event == event {
			t.Fatalf("received %s on a connection that must not see it", event)
		}
	}
}

func memberListPayload(t *testing.T, envelope presenceEnvelope) presence.MemberList {
	t.Helper()
	var list presence.MemberList
	if err := json.Unmarshal(envelope.Payload, &list); err != nil {
		t.Fatalf("failed to decode member list: %v", err)
	}
	return list
}

func TestPresenceJoinAnnouncesMembership(t *testing.T) {
	backend := newTestBackend(t, time.Hour)

	first := backend.dialPresence(t)
	joinProject(t, first, "42", "user-a", "Ada")

	joined := readPresenceEvent(t, first, presence.EventUserJoined)
	if joined.Room != "project-42" {
		t.Fatalf("expected the project room to be prefixed, got %q", joined.Room)
	}
	list := memberListPayload(t, joined)
	if len(list.Users) != 1 || list.Users[0].UserID != "user-a" {
		t.Fatalf("unexpected member list after first join: %+v", list.Users)
	}
	if list.Users[0].Color == "" {
		t.Fatalf("expected a color to be assigned on join")
	}

	second := backend.dialPresence(t)
	joinProject(t, second, "42", "user-b", "Grace")

	for _, conn := range []*websocket.Conn{first, second} {
		update := readPresenceEvent(t, conn, presence.EventUserJoined)
		if got := len(memberListPayload(t, update).Users); got != 2 {
			t.Fatalf("expected two members after second join, got %d", got)
		}
	}
}

func TestPresenceRelayStaysInsideTheRoom(t *testing.T) {
	backend := newTestBackend(t, time.Hour)

	sender := backend.dialPresence(t)
	joinProject(t, sender, "1", "user-a", "Ada")
	readPresenceEvent(t, sender, presence.EventUserJoined)

	peer := backend.dialPresence(t)
	joinProject(t, peer, "1", "user-b", "Grace")
	readPresenceEvent(t, peer, presence.EventUserJoined)

	outsider := backend.dialPresence(t)
	joinProject(t, outsider, "2", "user-x", "Mallory")
	readPresenceEvent(t, outsider, presence.EventUserJoined)

	cursor := json.RawMessage(`{"x":12,"y":40}`)
	err := sender.WriteJSON(presenceEnvelope{Event: "cursor-move", ProjectID: "1", Payload: cursor})
	if err != nil {
		t.Fatalf("failed to send cursor event: %v", err)
	}

	received := readPresenceEvent(t, peer, "cursor-move")
	if string(received.Payload) != string(cursor) {
		t.Fatalf("cursor payload altered in transit: %s", received.Payload)
	}
	assertNoPresenceEvent(t, outsider, "cursor-move")
	assertNoPresenceEvent(t, sender, "cursor-move")
}

func TestPresenceLeaveAndDisconnectNotifyRemainder(t *testing.T) {
	backend := newTestBackend(t, time.Hour)

	watcher := backend.dialPresence(t)
	joinProject(t, watcher, "5", "user-a", "Ada")
	readPresenceEvent(t, watcher, presence.EventUserJoined)

	leaver := backend.dialPresence(t)
	joinProject(t, leaver, "5", "user-b", "Grace")
	readPresenceEvent(t, watcher, presence.EventUserJoined)

	err := leaver.WriteJSON(presenceEnvelope{Event: presenceEventLeave, ProjectID: "5"})
	if err != nil {
		t.Fatalf("failed to send leave: %v", err)
	}
	left := readPresenceEvent(t, watcher, presence.EventUserLeft)
	if got := len(memberListPayload(t, left).Users); got != 1 {
		t.Fatalf("expected one member after leave, got %d", got)
	}

	vanisher := backend.dialPresence(t)
	joinProject(t, vanisher, "5", "user-c", "Linus")
	readPresenceEvent(t, watcher, presence.EventUserJoined)

	_ = vanisher.Close()
	gone := readPresenceEvent(t, watcher, presence.EventUserLeft)
	if got := len(memberListPayload(t, gone).Users); got != 1 {
		t.Fatalf("expected the disconnect to drop the member, got %d members", got)
	}
}
