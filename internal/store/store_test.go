package store

import (
	"testing"
	"time"

	"viva/voiceloop/internal/types"
)

func TestCreateAndGetSession(t *testing.T) {
	st := New()
	s := &types.Session{ID: "abc123", CreatedAt: time.Now()}
	if err := st.CreateSession(s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	got := st.GetSession("abc123")
	if got == nil || got.ID != s.ID {
		t.Fatalf("expected session %q, got %#v", s.ID, got)
	}
	if got.Status != types.StatusCreated {
		t.Fatalf("status = %q", got.Status)
	}
	if err := st.CreateSession(&types.Session{ID: "abc123"}); err != ErrSessionExists {
		t.Fatalf("duplicate create: %v", err)
	}
}

func TestAppendEventCapsJournal(t *testing.T) {
	st := New()
	_ = st.CreateSession(&types.Session{ID: "s"})
	for i := 0; i < maxEvents+5; i++ {
		st.AppendEvent("s", "turn", map[string]any{"i": i})
	}
	evs := st.ListEvents("s")
	if len(evs) != maxEvents {
		t.Fatalf("len = %d, want %d", len(evs), maxEvents)
	}
	last := evs[len(evs)-1]
	if last.Type != "events_truncated" {
		t.Fatalf("last event = %q", last.Type)
	}
	if evs[len(evs)-2].Payload["i"] != maxEvents+4 {
		t.Fatalf("newest event lost: %#v", evs[len(evs)-2])
	}
}

func TestEventsSince(t *testing.T) {
	st := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	st.now = func() time.Time { n++; return base.Add(time.Duration(n) * time.Second) }
	_ = st.CreateSession(&types.Session{ID: "s"})
	a := st.AppendEvent("s", "a", nil)
	st.AppendEvent("s", "b", nil)
	got := st.EventsSince("s", a.Ts)
	if len(got) != 1 || got[0].Type != "b" {
		t.Fatalf("got %#v", got)
	}
}

func TestPageConnectionLifecycle(t *testing.T) {
	st := New()
	_ = st.CreateSession(&types.Session{ID: "s"})
	st.SetPageConnected("s", map[string]bool{"microphone": true}, "ua")
	if !st.GetPageState("s").Connected || st.GetSession("s").Status != types.StatusConnected {
		t.Fatalf("expected connected")
	}
	st.SetPageDisconnected("s")
	sess := st.GetSession("s")
	if st.GetPageState("s").Connected || sess.Status != types.StatusIdle || sess.PageDisconnectedAt == nil {
		t.Fatalf("expected idle, got %#v", sess)
	}
	if err := st.SetStatus("missing", types.StatusClosed); err != ErrSessionNotFound {
		t.Fatalf("SetStatus missing: %v", err)
	}
}
