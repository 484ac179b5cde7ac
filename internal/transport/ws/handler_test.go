package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/files"
	"e2ee-sessions/internal/relay"
	"e2ee-sessions/internal/session"
	"e2ee-sessions/internal/store"
	"e2ee-sessions/internal/tokens"
)

var metadataFixture = domain.EncryptionMetadata{IV: "iv", Tag: "tag", KeyID: "k1"}

type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	st := store.NewMemoryStore()
	hub := relay.NewHub(16, nil)
	objects := files.NewMemoryObjectStore()
	manager := session.NewManager(st, hub, objects, session.Config{
		RoomLifetime: time.Minute,
		CleanupGrace: time.Hour,
	}, nil)
	t.Cleanup(manager.Close)
	hub.NotifyDrop(func(clientID string, roomIDs []string) {
		manager.HandleDisconnect(context.Background(), clientID, roomIDs)
	})

	signer, err := tokens.NewFromBase64("", "kid-test", "sessions-test")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	authorizer := files.NewAuthorizer(st, signer, objects, files.Config{}, nil)

	handler := NewHandler(hub, manager, authorizer, Options{}, nil)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, manager
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	frame, err := json.Marshal(map[string]json.RawMessage{
		"event": json.RawMessage(`"` + event + `"`),
		"data":  data,
	})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func recvEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev wireEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev
}

func joinRoom(t *testing.T, conn *websocket.Conn, roomID, nickname string) joinedEvent {
	t.Helper()
	send(t, conn, eventJoin, joinPayload{RoomID: roomID, Nickname: nickname, PublicKey: "pk-" + nickname})
	ev := recvEvent(t, conn)
	if ev.Event != session.EventJoined {
		t.Fatalf("expected joined, got %s: %s", ev.Event, ev.Data)
	}
	var joined joinedEvent
	if err := json.Unmarshal(ev.Data, &joined); err != nil {
		t.Fatalf("unmarshal joined: %v", err)
	}
	return joined
}

func TestJoinDeliversRoomSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	joined := joinRoom(t, conn, "room1", "ada")
	if joined.RoomID != "room1" {
		t.Fatalf("room id: %s", joined.RoomID)
	}
	if joined.Participant.Nickname != "ada" {
		t.Fatalf("participant: %+v", joined.Participant)
	}
	if len(joined.Messages) != 0 {
		t.Fatalf("fresh room has history: %+v", joined.Messages)
	}
}

func TestJoinNotifiesExistingMembers(t *testing.T) {
	srv, _ := newTestServer(t)
	first := dial(t, srv)
	joinRoom(t, first, "room1", "ada")

	second := dial(t, srv)
	joinRoom(t, second, "room1", "bob")

	ev := recvEvent(t, first)
	if ev.Event != session.EventParticipantJoined {
		t.Fatalf("expected participant-joined, got %s", ev.Event)
	}
	var payload session.ParticipantJoined
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Participant.Nickname != "bob" {
		t.Fatalf("payload: %+v", payload)
	}
}

func TestMessageFanOutIncludesSender(t *testing.T) {
	srv, _ := newTestServer(t)
	first := dial(t, srv)
	joinRoom(t, first, "room1", "ada")
	second := dial(t, srv)
	joinRoom(t, second, "room1", "bob")
	// Drain ada's participant-joined notification for bob.
	if ev := recvEvent(t, first); ev.Event != session.EventParticipantJoined {
		t.Fatalf("expected participant-joined, got %s", ev.Event)
	}

	send(t, second, eventSendMessage, sendMessagePayload{
		RoomID:     "room1",
		Ciphertext: "b64-opaque",
		Metadata:   &metadataFixture,
	})

	for _, conn := range []*websocket.Conn{first, second} {
		ev := recvEvent(t, conn)
		if ev.Event != session.EventMessageReceived {
			t.Fatalf("expected message-received, got %s: %s", ev.Event, ev.Data)
		}
	}

	// Late joiner sees the message in history.
	third := dial(t, srv)
	joined := joinRoom(t, third, "room1", "cyd")
	if len(joined.Messages) != 1 || joined.Messages[0].Ciphertext != "b64-opaque" {
		t.Fatalf("history: %+v", joined.Messages)
	}
}

func TestSendToUnknownRoomReturnsErrorEvent(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	send(t, conn, eventSendMessage, sendMessagePayload{
		RoomID:     "ghost",
		Ciphertext: "x",
		Metadata:   &metadataFixture,
	})
	ev := recvEvent(t, conn)
	if ev.Event != eventError {
		t.Fatalf("expected error event, got %s", ev.Event)
	}
	var e errorEvent
	if err := json.Unmarshal(ev.Data, &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Code != "room-not-found" {
		t.Fatalf("code: %s", e.Code)
	}
}

func TestUnknownEventRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	send(t, conn, "self-destruct", map[string]string{})
	ev := recvEvent(t, conn)
	if ev.Event != eventError {
		t.Fatalf("expected error event, got %s", ev.Event)
	}
}

func TestDisconnectRunsLeavePath(t *testing.T) {
	srv, _ := newTestServer(t)
	first := dial(t, srv)
	joinRoom(t, first, "room1", "ada")
	second := dial(t, srv)
	joinRoom(t, second, "room1", "bob")
	if ev := recvEvent(t, first); ev.Event != session.EventParticipantJoined {
		t.Fatalf("expected participant-joined, got %s", ev.Event)
	}

	second.Close()

	ev := recvEvent(t, first)
	if ev.Event != session.EventParticipantLeft {
		t.Fatalf("expected participant-left, got %s: %s", ev.Event, ev.Data)
	}
}

func TestRequestUploadReturnsAuthorization(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)
	joinRoom(t, conn, "room1", "ada")

	send(t, conn, eventRequestUpload, requestUploadPayload{
		RoomID:      "room1",
		FileName:    "photo.png",
		FileSize:    2048,
		ContentType: "image/png",
	})
	ev := recvEvent(t, conn)
	if ev.Event != eventUploadAuthorization {
		t.Fatalf("expected upload-authorization, got %s: %s", ev.Event, ev.Data)
	}
	var auth files.UploadAuthorization
	if err := json.Unmarshal(ev.Data, &auth); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if auth.UploadToken == "" || auth.FileID == "" {
		t.Fatalf("authorization incomplete: %+v", auth)
	}
}

func TestEndBroadcastsToRoom(t *testing.T) {
	srv, _ := newTestServer(t)
	first := dial(t, srv)
	joinRoom(t, first, "room1", "ada")
	second := dial(t, srv)
	joinRoom(t, second, "room1", "bob")
	if ev := recvEvent(t, first); ev.Event != session.EventParticipantJoined {
		t.Fatalf("expected participant-joined, got %s", ev.Event)
	}

	send(t, second, eventEnd, endPayload{RoomID: "room1", Reason: "user-request"})

	for _, conn := range []*websocket.Conn{first, second} {
		ev := recvEvent(t, conn)
		if ev.Event != session.EventRoomEnded {
			t.Fatalf("expected room-ended, got %s: %s", ev.Event, ev.Data)
		}
	}
}
