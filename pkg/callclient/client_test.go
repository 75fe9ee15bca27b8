package callclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeServer serves a scripted event stream and records poll cursors.
type fakeServer struct {
	mu     sync.Mutex
	events []Event
	polls  chan int64
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{polls: make(chan int64, 64)}

	mux := http.NewServeMux()
	mux.HandleFunc("/calls/join", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid token"})
			return
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["appointment_id"] == "missing" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "session not found", "code": "session_not_found"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session_id":      "s-1",
			"channel_name":    "appointment_" + req["appointment_id"],
			"credential":      "cred",
			"provider_app_id": "app-1",
			"uid":             7,
			"status":          "connected",
			"events_cursor":   5,
		})
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		select {
		case f.polls <- since:
		default:
		}
		f.mu.Lock()
		var out []Event
		next := since
		for _, e := range f.events {
			if e.Cursor > since {
				out = append(out, e)
				next = e.Cursor
			}
		}
		f.mu.Unlock()
		if len(out) == 0 {
			// Short long-poll so tests stay fast.
			time.Sleep(10 * time.Millisecond)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"events": out, "next_cursor": next})
	})
	mux.HandleFunc("/calls/end", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) add(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func TestJoinCall_DecodesDescriptor(t *testing.T) {
	_, srv := newFakeServer(t)
	c := New(srv.URL, "tok")

	d, err := c.JoinCall(context.Background(), "apt-1", "")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if d.ChannelName != "appointment_apt-1" || d.UID != 7 || d.EventsCursor != 5 {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
}

func TestJoinCall_APIError(t *testing.T) {
	_, srv := newFakeServer(t)

	_, err := New(srv.URL, "tok").JoinCall(context.Background(), "missing", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Code != "session_not_found" {
		t.Fatalf("expected 404 APIError, got %v", err)
	}

	_, err = New(srv.URL, "wrong").JoinCall(context.Background(), "apt-1", "")
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}

func TestEndCall(t *testing.T) {
	_, srv := newFakeServer(t)
	if err := New(srv.URL, "tok").EndCall(context.Background(), "s-1"); err != nil {
		t.Fatalf("end: %v", err)
	}
}

func TestJoinAndAttach_WatchesBeforeAttaching(t *testing.T) {
	f, srv := newFakeServer(t)
	c := New(srv.URL, "tok")

	// The end notification lands while media is still connecting.
	f.add(Event{ID: "e-6", Cursor: 6, Type: "call-ended", Payload: Payload{SessionID: "s-1", Reason: "hangup"}})

	got := make(chan Event, 4)
	attacher := AttacherFunc(func(ctx context.Context, d JoinDescriptor) error {
		select {
		case since := <-f.polls:
			if since != d.EventsCursor {
				t.Errorf("expected first poll from cursor %d, got %d", d.EventsCursor, since)
			}
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("watcher not started before attach")
		}
	})

	call, err := c.JoinAndAttach(context.Background(), "apt-1", "", attacher, func(e Event) { got <- e })
	if err != nil {
		t.Fatalf("join and attach: %v", err)
	}
	defer call.Watcher.Stop()

	select {
	case e := <-got:
		if e.Type != "call-ended" {
			t.Fatalf("expected call-ended, got %s", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("end notification missed")
	}
}

func TestJoinAndAttach_AttachFailureStopsWatcher(t *testing.T) {
	_, srv := newFakeServer(t)
	c := New(srv.URL, "tok")

	_, err := c.JoinAndAttach(context.Background(), "apt-1", "", AttacherFunc(func(ctx context.Context, d JoinDescriptor) error {
		return errors.New("media unavailable")
	}), nil)
	if err == nil {
		t.Fatalf("expected attach error")
	}
}

func TestWatcher_DedupesByIdempotencyKey(t *testing.T) {
	f, srv := newFakeServer(t)
	c := New(srv.URL, "tok")

	f.add(Event{ID: "e-1", Cursor: 1, Type: "incoming-call", Payload: Payload{SessionID: "s-1"}})
	f.add(Event{ID: "e-2", Cursor: 2, Type: "incoming-call", Payload: Payload{SessionID: "s-1"}})
	f.add(Event{ID: "e-3", Cursor: 3, Type: "call-ended", Payload: Payload{SessionID: "s-1"}})

	var mu sync.Mutex
	var seen []string
	w := NewWatcher(c, 0, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.ID)
	})
	w.Start(context.Background())
	defer w.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for w.Cursor() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "e-1" || seen[1] != "e-3" {
		t.Fatalf("expected [e-1 e-3], got %v", seen)
	}
	if w.Cursor() != 3 {
		t.Fatalf("expected cursor 3, got %d", w.Cursor())
	}
}
