package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "androfit", "alloy")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.PersonaID != "androfit" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.ID, EndReasonClient)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded || ended.EndReason != EndReasonClient {
		t.Fatalf("ended = %+v, want status %q reason %q", ended, StatusEnded, EndReasonClient)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}

	retained, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() after end error = %v", err)
	}
	if retained.EndReason != EndReasonClient {
		t.Fatalf("retained EndReason = %q, want %q", retained.EndReason, EndReasonClient)
	}

	if _, err := m.End(s.ID, EndReasonIdleTimeout); !errors.Is(err, ErrEnded) {
		t.Fatalf("second End() error = %v, want ErrEnded", err)
	}
	if err := m.Touch(s.ID); !errors.Is(err, ErrEnded) {
		t.Fatalf("Touch() after end error = %v, want ErrEnded", err)
	}
}

func TestManagerAttachIsExclusive(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "androfit", "")
	if err := m.Attach(s.ID); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := m.Attach(s.ID); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("second Attach() error = %v, want ErrAlreadyAttached", err)
	}
	if err := m.Detach(s.ID); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	if err := m.Attach(s.ID); err != nil {
		t.Fatalf("Attach() after detach error = %v", err)
	}
}

func TestManagerRecordWarning(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "androfit", "")
	for i := 0; i < 2; i++ {
		if err := m.RecordWarning(s.ID); err != nil {
			t.Fatalf("RecordWarning() error = %v", err)
		}
	}
	got, _ := m.Get(s.ID)
	if got.IdleWarnings != 2 {
		t.Fatalf("IdleWarnings = %d, want 2", got.IdleWarnings)
	}
}

func TestManagerActiveForUser(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "androfit", "")
	got, err := m.ActiveForUser("u1")
	if err != nil || got.ID != s.ID {
		t.Fatalf("ActiveForUser() = %+v, %v", got, err)
	}
	if _, err := m.End(s.ID, EndReasonClient); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if _, err := m.ActiveForUser("u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ActiveForUser() after end error = %v, want ErrNotFound", err)
	}
}

func TestManagerJanitorExpiresUnattached(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	idle := m.Create("u1", "androfit", "")
	live := m.Create("u2", "androfit", "")
	if err := m.Attach(live.ID); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	expired := make(chan *Session, 2)
	m.SetExpireHook(func(s *Session) { expired <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case s := <-expired:
		if s.ID != idle.ID {
			t.Fatalf("expired session = %s, want %s", s.ID, idle.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("janitor did not expire unattached session")
	}

	got, err := m.Get(idle.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded || got.EndReason != EndReasonExpired {
		t.Fatalf("got = %+v, want expired", got)
	}
	still, err := m.Get(live.ID)
	if err != nil || still.Status != StatusActive {
		t.Fatalf("attached session = %+v, %v; want active", still, err)
	}
}

func TestManagerDoneClosesOnEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "androfit", "alloy")

	done, err := m.Done(s.ID)
	if err != nil {
		t.Fatalf("Done() error = %v", err)
	}
	select {
	case <-done:
		t.Fatalf("done closed before End")
	default:
	}

	if _, err := m.End(s.ID, EndReasonClient); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("done not closed after End")
	}

	if _, err := m.Done(s.ID); !errors.Is(err, ErrEnded) {
		t.Fatalf("Done() after end error = %v, want ErrEnded", err)
	}
	if _, err := m.Done("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Done() unknown error = %v, want ErrNotFound", err)
	}
}
