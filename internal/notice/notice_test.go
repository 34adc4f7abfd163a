package notice

import (
	"testing"
	"time"
)

func TestDeduper_CollapsesSameCause(t *testing.T) {
	rec := &Recorder{}
	d := NewDeduper(rec, time.Hour)

	for i := 0; i < 5; i++ {
		d.Notify(Notice{Kind: KindError, Cause: "device:31005", Message: "connection lost"})
	}
	d.Notify(Notice{Kind: KindError, Cause: "device:31204", Message: "bad token"})
	d.Notify(Notice{Kind: KindInfo, Message: "no cause"})
	d.Notify(Notice{Kind: KindInfo, Message: "no cause"})

	if got := rec.Count("device:31005"); got != 1 {
		t.Fatalf("expected 1 notice for repeated cause, got %d", got)
	}
	if got := rec.Count("device:31204"); got != 1 {
		t.Fatalf("expected 1 notice for other cause, got %d", got)
	}
	if got := rec.Count(""); got != 2 {
		t.Fatalf("expected cause-less notices to pass, got %d", got)
	}
}

func TestDeduper_ResetAllowsNextNotice(t *testing.T) {
	rec := &Recorder{}
	d := NewDeduper(rec, time.Hour)
	d.Notify(Notice{Cause: "auth"})
	d.Reset("auth")
	d.Notify(Notice{Cause: "auth"})
	if got := rec.Count("auth"); got != 2 {
		t.Fatalf("expected 2 after reset, got %d", got)
	}
}

func TestDeduper_ResetAll(t *testing.T) {
	rec := &Recorder{}
	d := NewDeduper(rec, time.Hour)
	d.Notify(Notice{Cause: "device:31005"})
	d.Notify(Notice{Cause: "device:broken"})
	d.ResetAll()
	d.Notify(Notice{Cause: "device:31005"})
	d.Notify(Notice{Cause: "device:broken"})
	if rec.Count("device:31005") != 2 || rec.Count("device:broken") != 2 {
		t.Fatalf("expected every cause forgotten, got %+v", rec.Notices())
	}
}
