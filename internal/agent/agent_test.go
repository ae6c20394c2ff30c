package agent

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/storyloom/playtest/internal/generate"
	"github.com/storyloom/playtest/pkg/provider/llm"
	"github.com/storyloom/playtest/pkg/provider/llm/mock"
	"github.com/storyloom/playtest/pkg/types"
)

func testCaller(t *testing.T, p *mock.Provider) *generate.Caller {
	t.Helper()
	c, err := generate.NewCaller(
		[]generate.ModelRef{{Name: "gpt-4o-mini", Provider: p}},
		generate.Config{Retries: 1, RetryDelay: time.Millisecond},
	)
	if err != nil {
		t.Fatalf("NewCaller: %v", err)
	}
	return c
}

func testPlayer(t *testing.T, name string, p *mock.Provider) *Player {
	t.Helper()
	arch, err := ArchetypeByID("eager-explorer")
	if err != nil {
		t.Fatalf("ArchetypeByID: %v", err)
	}
	player, err := NewPlayer(arch, name, testCaller(t, p))
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}
	return player
}

func TestPlayer_ReactUsesPersonaAndHistory(t *testing.T) {
	p := &mock.Provider{Responses: []*llm.CompletionResponse{
		{Content: "I step closer to the gate."},
	}}
	player := testPlayer(t, "Mira", p)

	transcript := types.Transcript{
		{Role: types.RoleNarrator, Content: "The gate towers above you.", Turn: 1},
		{Role: types.RolePlayer, Author: "Tobben", Content: "I knock twice.", Turn: 1},
		{Role: types.RolePlayer, Author: "Mira", Content: "I watch the hinges.", Turn: 1},
	}

	res, err := player.React(context.Background(), transcript, "The gate does not answer.")
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if res.Content != "I step closer to the gate." {
		t.Errorf("Content = %q", res.Content)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if !strings.Contains(req.SystemPrompt, "Mira") {
		t.Error("system prompt does not name the player")
	}
	if !strings.Contains(req.SystemPrompt, "enthusiastic") {
		t.Error("system prompt missing archetype persona")
	}

	// Own prior message must arrive as assistant, others as user.
	var ownRole, otherRole string
	for _, m := range req.Messages {
		switch m.Content {
		case "I watch the hinges.":
			ownRole = m.Role
		case "I knock twice.":
			otherRole = m.Role
		}
	}
	if ownRole != "assistant" {
		t.Errorf("own message role = %q, want assistant", ownRole)
	}
	if otherRole != "user" {
		t.Errorf("other player's message role = %q, want user", otherRole)
	}
	if last := req.Messages[len(req.Messages)-1]; last.Content != "The gate does not answer." {
		t.Errorf("last message = %q, want the fresh narrator text", last.Content)
	}
}

func TestPlayer_IdentityAppearsInPromptsOnceSet(t *testing.T) {
	p := &mock.Provider{}
	player := testPlayer(t, "Vex", p)

	player.SetIdentity(CharacterIdentity{
		Name:      "Vex Hollow",
		Role:      "cartographer",
		Backstory: "Mapped the drowned coast before it sank.",
		Inventory: []string{"brass compass"},
	})

	if _, err := player.React(context.Background(), nil, "Where to?"); err != nil {
		t.Fatalf("React: %v", err)
	}
	prompt := p.Calls()[0].Req.SystemPrompt
	for _, want := range []string{"Vex Hollow", "cartographer", "brass compass"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestPlayer_SnapshotRestoreRoundTrip(t *testing.T) {
	p := &mock.Provider{}
	player := testPlayer(t, "Mira", p)
	player.SetIdentity(CharacterIdentity{Name: "Mira Quill", Role: "scribe", Backstory: "Keeps the party ledger."})

	st := player.Snapshot()
	restored, err := Restore(st, testCaller(t, &mock.Provider{}))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.Name() != "Mira" {
		t.Errorf("Name = %q", restored.Name())
	}
	if restored.Identity() == nil || restored.Identity().Name != "Mira Quill" {
		t.Errorf("Identity = %+v", restored.Identity())
	}
	if restored.ArchetypeID() != "eager-explorer" {
		t.Errorf("ArchetypeID = %q", restored.ArchetypeID())
	}
}

func TestRoster_SpokespersonSelection(t *testing.T) {
	a := testPlayer(t, "Mira", &mock.Provider{})
	b := testPlayer(t, "Tobben", &mock.Provider{})
	c := testPlayer(t, "Vex", &mock.Provider{})

	r, err := NewRoster([]*Player{a, b, c}, "Tobben")
	if err != nil {
		t.Fatalf("NewRoster: %v", err)
	}
	if r.Spokesperson().Name() != "Tobben" {
		t.Errorf("Spokesperson = %q", r.Spokesperson().Name())
	}

	non := r.NonSpokespersons()
	if len(non) != 2 || non[0].Name() != "Mira" || non[1].Name() != "Vex" {
		names := make([]string, len(non))
		for i, p := range non {
			names[i] = p.Name()
		}
		t.Errorf("NonSpokespersons = %v, want [Mira Vex]", names)
	}
}

func TestRoster_RejectsDuplicatesAndMissingSpokesperson(t *testing.T) {
	a := testPlayer(t, "Mira", &mock.Provider{})
	b := testPlayer(t, "Mira", &mock.Provider{})

	if _, err := NewRoster([]*Player{a, b}, "Mira"); err == nil {
		t.Error("expected error for duplicate names")
	}

	c := testPlayer(t, "Vex", &mock.Provider{})
	if _, err := NewRoster([]*Player{c}, "Nobody"); err == nil {
		t.Error("expected error for unknown spokesperson")
	}
}

func TestRandomArchetypes(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	picked := RandomArchetypes(4, rng)
	if len(picked) != 4 {
		t.Fatalf("len = %d, want 4", len(picked))
	}
	seen := map[string]bool{}
	for _, a := range picked {
		if seen[a.ID] {
			t.Errorf("archetype %q repeated within table size", a.ID)
		}
		seen[a.ID] = true
	}

	// Oversized parties wrap around rather than failing.
	big := RandomArchetypes(9, rand.New(rand.NewSource(7)))
	if len(big) != 9 {
		t.Fatalf("len = %d, want 9", len(big))
	}
}

func TestRandomNames(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	names := RandomNames(5, rng)
	if len(names) != 5 {
		t.Fatalf("len = %d, want 5", len(names))
	}
	seen := map[string]bool{}
	for _, n := range names {
		if seen[n] {
			t.Errorf("name %q repeated", n)
		}
		seen[n] = true
	}

	// Determinism: the same seed yields the same draw.
	again := RandomNames(5, rand.New(rand.NewSource(11)))
	for i := range names {
		if names[i] != again[i] {
			t.Errorf("draw not deterministic: %v vs %v", names, again)
			break
		}
	}

	// Oversized parties get suffixed names instead of duplicates.
	big := RandomNames(10, rand.New(rand.NewSource(11)))
	bigSeen := map[string]bool{}
	for _, n := range big {
		if bigSeen[n] {
			t.Errorf("name %q repeated in oversized draw", n)
		}
		bigSeen[n] = true
	}
}

func TestArchetypeIDs(t *testing.T) {
	// These identifiers appear in config files and checkpoints; renaming one
	// is a breaking change.
	want := []string{
		"eager-explorer",
		"cautious-strategist",
		"chaotic-improviser",
		"quiet-observer",
		"rules-prober",
		"spotlight-seeker",
	}
	got := Archetypes()
	if len(got) != len(want) {
		t.Fatalf("len(Archetypes()) = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("archetype %d = %q, want %q", i, got[i].ID, id)
		}
		if _, err := ArchetypeByID(id); err != nil {
			t.Errorf("ArchetypeByID(%q): %v", id, err)
		}
	}
}
