package statuspush

import (
	"testing"
	"time"

	"github.com/cloud-shuttle/clonemgr/internal/task"
)

func TestOnTransitionBroadcastsWithoutBlocking(t *testing.T) {
	h := NewHub()
	go h.Run()

	done := make(chan struct{})
	go func() {
		h.OnTransition(&task.Task{RepoID: "repo-1", State: task.StateDone})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnTransition blocked with no clients connected")
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	h := NewHub()
	go h.Run()

	c := &client{hub: h, send: make(chan []byte, 1)}
	h.register <- c
	time.Sleep(10 * time.Millisecond)

	h.mu.RLock()
	_, ok := h.clients[c]
	h.mu.RUnlock()
	if !ok {
		t.Fatal("expected client to be registered")
	}

	h.unregister <- c
	time.Sleep(10 * time.Millisecond)

	h.mu.RLock()
	_, ok = h.clients[c]
	h.mu.RUnlock()
	if ok {
		t.Fatal("expected client to be unregistered")
	}
}
