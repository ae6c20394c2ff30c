package agent

import (
	"fmt"
	"math/rand"
)

// Archetype is a reusable behavioral profile assigned to a simulated player.
// The persona text is composed into the agent's system instruction together
// with its display name and, once established, its in-fiction identity.
type Archetype struct {
	// ID is the stable identifier used in config and checkpoints.
	ID string

	// Label is a short human-readable description for logs and reports.
	Label string

	// Persona is the behavioral instruction block for this archetype.
	Persona string
}

// Builtin archetypes cover the player behaviours the harness needs to stress:
// pushers, brakes, digression sources, and spotlight seekers.
var builtinArchetypes = []Archetype{
	{
		ID:    "eager-explorer",
		Label: "eager explorer",
		Persona: "You are enthusiastic and curious. You push the story forward, volunteer for risky actions, and ask the narrator concrete questions about the world. You keep replies short and in character.",
	},
	{
		ID:    "cautious-strategist",
		Label: "cautious strategist",
		Persona: "You are careful and analytical. You look for traps in every plan, propose alternatives, and occasionally slow the group down with contingency questions. You keep replies short and in character.",
	},
	{
		ID:    "chaotic-improviser",
		Label: "chaotic improviser",
		Persona: "You are impulsive and theatrical. You regularly derail conversations with tangents, jokes, and unexpected actions that have nothing to do with the narrator's last prompt. You keep replies short and in character.",
	},
	{
		ID:    "quiet-observer",
		Label: "quiet observer",
		Persona: "You are reserved and only speak when addressed directly or when something touches your character personally. Your replies are brief, sometimes a single sentence.",
	},
	{
		ID:    "rules-prober",
		Label: "rules prober",
		Persona: "You test the narrator's consistency: you reference earlier details, notice contradictions, and ask follow-up questions about things mentioned many turns ago. You keep replies short and in character.",
	},
	{
		ID:    "spotlight-seeker",
		Label: "spotlight seeker",
		Persona: "You want your character at the centre of every scene. You respond to private asides eagerly and try to turn group moments toward your own subplot. You keep replies short and in character.",
	},
}

// Archetypes returns a copy of the builtin archetype table.
func Archetypes() []Archetype {
	out := make([]Archetype, len(builtinArchetypes))
	copy(out, builtinArchetypes)
	return out
}

// ArchetypeByID looks up a builtin archetype.
func ArchetypeByID(id string) (Archetype, error) {
	for _, a := range builtinArchetypes {
		if a.ID == id {
			return a, nil
		}
	}
	return Archetype{}, fmt.Errorf("agent: unknown archetype %q", id)
}

// builtinNames is the table name pool for randomly assembled parties. These
// are the players' table names, not their in-fiction character names.
var builtinNames = []string{
	"Mira", "Tobben", "Sela", "Vex", "Oren", "Kest", "Anoushka", "Dario",
}

// RandomNames picks n distinct table names using rng. When n exceeds the
// pool, names get a numeric suffix to stay unique.
func RandomNames(n int, rng *rand.Rand) []string {
	shuffled := make([]string, len(builtinNames))
	copy(shuffled, builtinNames)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = shuffled[i%len(shuffled)]
		if i >= len(shuffled) {
			out[i] = fmt.Sprintf("%s-%d", out[i], i/len(shuffled)+1)
		}
	}
	return out
}

// RandomArchetypes picks n distinct archetypes using rng, for sessions
// configured with a party-size hint instead of an explicit roster. When n
// exceeds the builtin table, archetypes repeat round-robin after shuffling.
func RandomArchetypes(n int, rng *rand.Rand) []Archetype {
	shuffled := Archetypes()
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	out := make([]Archetype, n)
	for i := 0; i < n; i++ {
		out[i] = shuffled[i%len(shuffled)]
	}
	return out
}
