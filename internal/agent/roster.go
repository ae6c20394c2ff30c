package agent

import (
	"errors"
	"fmt"
)

// Roster is the ordered set of players in one session, with exactly one
// designated spokesperson. Roster order is stable for the whole session: it
// fixes transcript ordering for group turns regardless of which model call
// finishes first.
type Roster struct {
	players      []*Player
	spokesperson int // index into players
}

// NewRoster creates a roster from players in their configured order.
// spokespersonName selects the designated spokesperson; it must match one
// player's display name, and player names must be unique.
func NewRoster(players []*Player, spokespersonName string) (*Roster, error) {
	if len(players) == 0 {
		return nil, errors.New("agent: roster must not be empty")
	}

	seen := make(map[string]bool, len(players))
	spokesperson := -1
	for i, p := range players {
		if seen[p.Name()] {
			return nil, fmt.Errorf("agent: duplicate player name %q", p.Name())
		}
		seen[p.Name()] = true
		if p.Name() == spokespersonName {
			spokesperson = i
		}
	}
	if spokesperson < 0 {
		return nil, fmt.Errorf("agent: spokesperson %q is not in the roster", spokespersonName)
	}

	return &Roster{players: players, spokesperson: spokesperson}, nil
}

// Players returns the roster in stable order.
func (r *Roster) Players() []*Player {
	out := make([]*Player, len(r.players))
	copy(out, r.players)
	return out
}

// Names returns the display names in roster order.
func (r *Roster) Names() []string {
	names := make([]string, len(r.players))
	for i, p := range r.players {
		names[i] = p.Name()
	}
	return names
}

// ByName returns the player with the given display name.
func (r *Roster) ByName(name string) (*Player, bool) {
	for _, p := range r.players {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Spokesperson returns the designated spokesperson.
func (r *Roster) Spokesperson() *Player {
	return r.players[r.spokesperson]
}

// NonSpokespersons returns all players except the spokesperson, in roster
// order.
func (r *Roster) NonSpokespersons() []*Player {
	out := make([]*Player, 0, len(r.players)-1)
	for i, p := range r.players {
		if i != r.spokesperson {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the roster size.
func (r *Roster) Len() int { return len(r.players) }

// Snapshot returns the serialisable states of all players, in roster order.
func (r *Roster) Snapshot() []State {
	out := make([]State, len(r.players))
	for i, p := range r.players {
		out[i] = p.Snapshot()
	}
	return out
}
