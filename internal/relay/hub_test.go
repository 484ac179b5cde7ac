package relay

import (
	"encoding/json"
	"testing"
)

func drain(t *testing.T, c *Client) []string {
	t.Helper()
	var events []string
	for {
		select {
		case frame, ok := <-c.Outbox():
			if !ok {
				return events
			}
			var env struct {
				Event string `json:"event"`
			}
			if err := json.Unmarshal(frame, &env); err != nil {
				t.Fatalf("unmarshal frame: %v", err)
			}
			events = append(events, env.Event)
		default:
			return events
		}
	}
}

func TestBroadcastScopedToRoom(t *testing.T) {
	h := NewHub(8, nil)
	a := h.Register("a")
	b := h.Register("b")
	c := h.Register("c")
	h.JoinRoom("room1", "a")
	h.JoinRoom("room1", "b")
	h.JoinRoom("room2", "c")

	h.Broadcast("room1", "message-received", map[string]string{"x": "y"}, "")

	if got := drain(t, a); len(got) != 1 || got[0] != "message-received" {
		t.Fatalf("a: expected one message-received, got %v", got)
	}
	if got := drain(t, b); len(got) != 1 {
		t.Fatalf("b: expected one event, got %v", got)
	}
	if got := drain(t, c); len(got) != 0 {
		t.Fatalf("c is in another room, got %v", got)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	h := NewHub(8, nil)
	a := h.Register("a")
	b := h.Register("b")
	h.JoinRoom("room1", "a")
	h.JoinRoom("room1", "b")

	h.Broadcast("room1", "typing", nil, "a")

	if got := drain(t, a); len(got) != 0 {
		t.Fatalf("sender received its own event: %v", got)
	}
	if got := drain(t, b); len(got) != 1 {
		t.Fatalf("b: expected one event, got %v", got)
	}
}

func TestUnregisterReportsRoomsOnce(t *testing.T) {
	h := NewHub(8, nil)
	h.Register("a")
	h.JoinRoom("room1", "a")
	h.JoinRoom("room2", "a")

	rooms := h.Unregister("a")
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %v", rooms)
	}
	if again := h.Unregister("a"); again != nil {
		t.Fatalf("second unregister should be empty, got %v", again)
	}
	if h.RoomSize("room1") != 0 || h.RoomSize("room2") != 0 {
		t.Fatal("rooms not emptied")
	}
}

func TestOverflowingClientIsDropped(t *testing.T) {
	h := NewHub(1, nil)
	var droppedID string
	var droppedRooms []string
	h.NotifyDrop(func(clientID string, roomIDs []string) {
		droppedID = clientID
		droppedRooms = roomIDs
	})
	slow := h.Register("slow")
	h.JoinRoom("room1", "slow")

	h.Broadcast("room1", "message-received", nil, "")
	// Queue depth is 1: the second broadcast overflows and drops the client.
	h.Broadcast("room1", "message-received", nil, "")

	if h.RoomSize("room1") != 0 {
		t.Fatal("overflowing client still in room")
	}
	if droppedID != "slow" {
		t.Fatalf("drop callback got client %q", droppedID)
	}
	if len(droppedRooms) != 1 || droppedRooms[0] != "room1" {
		t.Fatalf("drop callback got rooms %v", droppedRooms)
	}
	// The outbox must be closed so the write pump terminates.
	var closed bool
	for !closed {
		select {
		case _, ok := <-slow.Outbox():
			if !ok {
				closed = true
			}
		default:
			t.Fatal("outbox not closed after drop")
		}
	}
}

func TestCloseRoomDropsGroupButKeepsConnections(t *testing.T) {
	h := NewHub(8, nil)
	a := h.Register("a")
	h.JoinRoom("room1", "a")

	h.CloseRoom("room1")
	if h.RoomSize("room1") != 0 {
		t.Fatal("room group not dropped")
	}

	h.SendDirect("a", "room-ended", nil)
	if got := drain(t, a); len(got) != 1 || got[0] != "room-ended" {
		t.Fatalf("direct send after room close: got %v", got)
	}
}

func TestSendDirectUnknownClientIsNoop(t *testing.T) {
	h := NewHub(8, nil)
	h.SendDirect("ghost", "joined", nil)
}

func TestSendDirectOverflowRunsDropCallback(t *testing.T) {
	h := NewHub(1, nil)
	var droppedRooms []string
	h.NotifyDrop(func(clientID string, roomIDs []string) {
		droppedRooms = roomIDs
	})
	h.Register("a")
	h.JoinRoom("room1", "a")

	h.SendDirect("a", "joined", nil)
	h.SendDirect("a", "joined", nil)

	if len(droppedRooms) != 1 || droppedRooms[0] != "room1" {
		t.Fatalf("drop callback got rooms %v", droppedRooms)
	}
	if h.RoomSize("room1") != 0 {
		t.Fatal("overflowing client still in room")
	}
}

func TestSendDirectConcurrentWithUnregister(t *testing.T) {
	h := NewHub(1, nil)
	for i := 0; i < 2000; i++ {
		h.Register("x")
		done := make(chan struct{})
		go func() {
			h.SendDirect("x", "typing", nil)
			close(done)
		}()
		h.Unregister("x")
		<-done
	}
}
