package tracker

import (
	"testing"

	"github.com/storyloom/playtest/pkg/types"
)

func TestTangentLog_PulseResolvesAllPending(t *testing.T) {
	l := NewTangentLog()

	l.Open(3, []types.Message{{Author: "Vex", Content: "What if we opened a bakery instead?"}}, "Ha! Back to the cellar door.")
	l.Open(5, []types.Message{{Author: "Vex", Content: "Bakery names, anyone?"}}, "The cellar door groans.")

	if got := l.PendingCount(); got != 2 {
		t.Fatalf("PendingCount = %d, want 2", got)
	}

	resolved := l.ResolvePending(8)
	if len(resolved) != 2 {
		t.Fatalf("resolved %d moments, want 2", len(resolved))
	}
	for _, m := range resolved {
		if !m.ReturnedToStory {
			t.Errorf("turn-%d moment: ReturnedToStory = false", m.Turn)
		}
	}
	if resolved[0].TurnsUntilReturn != 5 || resolved[1].TurnsUntilReturn != 3 {
		t.Errorf("TurnsUntilReturn = %d,%d, want 5,3",
			resolved[0].TurnsUntilReturn, resolved[1].TurnsUntilReturn)
	}
	if got := l.PendingCount(); got != 0 {
		t.Errorf("PendingCount after resolve = %d, want 0", got)
	}
}

func TestTangentLog_ResolutionIsIdempotent(t *testing.T) {
	l := NewTangentLog()
	l.Open(5, nil, "Anyway — the road forks here.")

	first := l.ResolvePending(8)
	if len(first) != 1 {
		t.Fatalf("first resolve = %d moments, want 1", len(first))
	}
	if first[0].TurnsUntilReturn != 3 {
		t.Errorf("TurnsUntilReturn = %d, want 3", first[0].TurnsUntilReturn)
	}

	second := l.ResolvePending(12)
	if len(second) != 0 {
		t.Fatalf("second resolve touched %d moments, want 0", len(second))
	}
	if m := l.Moments()[0]; m.TurnsUntilReturn != 3 {
		t.Errorf("moment re-resolved: TurnsUntilReturn = %d", m.TurnsUntilReturn)
	}
}

func TestTangentLog_FinalizeUnresolved(t *testing.T) {
	l := NewTangentLog()
	l.Open(9, nil, "The joke lands flat.")

	finalized := l.FinalizeUnresolved()
	if len(finalized) != 1 {
		t.Fatalf("finalized %d, want 1", len(finalized))
	}
	m := finalized[0]
	if m.ReturnedToStory {
		t.Error("ReturnedToStory = true for an unresolved moment")
	}
	if m.Pending {
		t.Error("Pending = true after finalize")
	}

	// Finalized moments never resurface on a later pulse.
	if got := l.ResolvePending(10); len(got) != 0 {
		t.Errorf("resolve after finalize touched %d moments", len(got))
	}
}

func TestDetectDigression(t *testing.T) {
	inStory := types.Message{Role: types.RolePlayer, Author: "Mira", Content: "I draw my blade and step forward."}
	aside := types.Message{Role: types.RolePlayer, Author: "Tobben", Content: "By the way, do we ever get to see the ferryman again?"}
	meta := types.Message{Role: types.RolePlayer, Author: "Sela", Content: "Quick rules question: can I carry two lanterns?"}

	trigger, ok := DetectDigression([]types.Message{inStory, aside, meta})
	if !ok {
		t.Fatal("DetectDigression missed obvious asides")
	}
	if len(trigger) != 2 {
		t.Fatalf("len(trigger) = %d, want 2", len(trigger))
	}
	if trigger[0].Author != "Tobben" || trigger[1].Author != "Sela" {
		t.Errorf("trigger authors = %q, %q", trigger[0].Author, trigger[1].Author)
	}

	if _, ok := DetectDigression([]types.Message{inStory}); ok {
		t.Error("DetectDigression flagged an in-story message")
	}
	if _, ok := DetectDigression(nil); ok {
		t.Error("DetectDigression flagged an empty turn")
	}
}

func TestClassifyHandling(t *testing.T) {
	tests := []struct {
		text string
		want Handling
	}{
		{"Ha! But back to the matter of the cellar.", HandlingRedirected},
		{"Meanwhile, the candle burns lower.", HandlingRedirected},
		{"Oh? Tell me more about this bakery of yours.", HandlingEngaged},
		{"Indeed. The door remains shut.", HandlingAcknowledged},
		{"The rain strengthens, drumming on the slate roof.", HandlingIgnored},
	}
	for _, tt := range tests {
		if got := ClassifyHandling(tt.text); got != tt.want {
			t.Errorf("ClassifyHandling(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestRestoreTangentLog(t *testing.T) {
	l := NewTangentLog()
	l.Open(2, nil, "Anyway.")
	l.ResolvePending(4)
	l.Open(6, nil, "Noted.")

	restored := RestoreTangentLog(l.Moments())
	if got := restored.PendingCount(); got != 1 {
		t.Errorf("PendingCount = %d, want 1", got)
	}
	moments := restored.Moments()
	if len(moments) != 2 || moments[0].TurnsUntilReturn != 2 {
		t.Errorf("restored moments = %+v", moments)
	}
}
