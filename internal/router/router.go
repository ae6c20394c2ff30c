// Package router dispatches a classified narrator message to the player
// agents and assembles the reply (or deliberate silence) the narrator
// receives back.
//
// Exactly one dispatch branch runs per narrator message. The pulse and
// ending flags on a classification are orthogonal: the session runner acts
// on those, never the router.
package router

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/storyloom/playtest/internal/agent"
	"github.com/storyloom/playtest/internal/classifier"
	"github.com/storyloom/playtest/internal/discussion"
	"github.com/storyloom/playtest/pkg/types"
)

// Outcome is what one dispatch produced.
type Outcome struct {
	// Kind is the branch that ran.
	Kind classifier.ResponseType

	// Replies are the public messages to append to the transcript and send
	// to the narrator, in order. Empty for private and none dispatches.
	Replies []types.Message

	// PrivateReply is the hidden reply to a private disclosure. It never
	// enters the public transcript; the session runner records it on the
	// private-moment log. Nil unless Kind is private.
	PrivateReply *types.Message

	// Reactions are the individual player reactions behind a group reply,
	// in roster order. Kept for post-session analysis.
	Reactions []agent.Reaction

	// Discussion is the full consensus record when Kind is discussion.
	Discussion *discussion.Result
}

// Router turns classifications into agent activity.
type Router struct {
	roster *agent.Roster
	engine *discussion.Engine
}

// New creates a Router over the roster. engine handles discussion
// dispatches; it must not be nil.
func New(roster *agent.Roster, engine *discussion.Engine) *Router {
	return &Router{roster: roster, engine: engine}
}

// Dispatch runs the single branch the classification selects.
//
// The transcript is the public history up to but not including the narrator
// message being answered; narratorText is that message's content and turn is
// its turn number.
func (r *Router) Dispatch(ctx context.Context, transcript types.Transcript, narratorText string, turn int, cls *classifier.Classification) (*Outcome, error) {
	switch cls.ResponseType {
	case classifier.ResponseGroup:
		return r.group(ctx, transcript, narratorText, turn)
	case classifier.ResponseDiscussion:
		return r.discussion(ctx, narratorText, turn)
	case classifier.ResponseDirected:
		return r.directed(ctx, transcript, narratorText, turn, cls.TargetPlayers)
	case classifier.ResponsePrivate:
		return r.private(ctx, transcript, narratorText, turn, cls.TargetPlayers)
	case classifier.ResponseNone:
		return &Outcome{Kind: classifier.ResponseNone}, nil
	}
	return nil, fmt.Errorf("router: unknown response type %q", cls.ResponseType)
}

// group collects every player's reaction concurrently, then has the
// spokesperson merge them into the one message the narrator hears. Reactions
// are gathered in roster order no matter which model call finishes first.
func (r *Router) group(ctx context.Context, transcript types.Transcript, narratorText string, turn int) (*Outcome, error) {
	players := r.roster.Players()
	reactions := make([]agent.Reaction, len(players))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range players {
		g.Go(func() error {
			res, err := p.React(gctx, transcript, narratorText)
			if err != nil {
				return err
			}
			reactions[i] = agent.Reaction{Player: p.Name(), Text: res.Content}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("router: group dispatch: %w", err)
	}

	sp := r.roster.Spokesperson()
	merged, err := sp.Synthesize(ctx, narratorText, reactions)
	if err != nil {
		return nil, fmt.Errorf("router: group dispatch: %w", err)
	}

	return &Outcome{
		Kind:      classifier.ResponseGroup,
		Reactions: reactions,
		Replies: []types.Message{{
			Role:      types.RoleSpokesperson,
			Author:    sp.Name(),
			Content:   merged.Content,
			Turn:      turn,
			Timestamp: time.Now().UTC(),
			Reasoning: merged.Reasoning,
		}},
	}, nil
}

// directed has each targeted player reply individually, in the order the
// narrator addressed them. Untargeted players stay silent.
func (r *Router) directed(ctx context.Context, transcript types.Transcript, narratorText string, turn int, targets []string) (*Outcome, error) {
	if len(targets) == 0 {
		// The classifier widens target-less directed messages to group; a
		// bare directed dispatch reaching here is a programming error.
		return nil, fmt.Errorf("router: directed dispatch with no targets")
	}

	out := &Outcome{Kind: classifier.ResponseDirected}
	for _, name := range targets {
		p, ok := r.roster.ByName(name)
		if !ok {
			return nil, fmt.Errorf("router: directed dispatch: no player named %q", name)
		}
		// Later replies see earlier ones, like people answering in sequence.
		seen := append(transcript.Clone(), out.Replies...)
		res, err := p.React(ctx, seen, narratorText)
		if err != nil {
			return nil, fmt.Errorf("router: directed dispatch: %w", err)
		}
		out.Replies = append(out.Replies, types.Message{
			Role:      types.RolePlayer,
			Author:    p.Name(),
			Content:   res.Content,
			Turn:      turn,
			Timestamp: time.Now().UTC(),
			Reasoning: res.Reasoning,
		})
	}
	return out, nil
}

// private delivers the disclosure to exactly one player and returns the
// hidden reply. Nothing is appended to the public transcript.
func (r *Router) private(ctx context.Context, transcript types.Transcript, narratorText string, turn int, targets []string) (*Outcome, error) {
	if len(targets) != 1 {
		return nil, fmt.Errorf("router: private dispatch needs exactly one target, got %d", len(targets))
	}
	p, ok := r.roster.ByName(targets[0])
	if !ok {
		return nil, fmt.Errorf("router: private dispatch: no player named %q", targets[0])
	}

	res, err := p.ReplyPrivate(ctx, transcript, narratorText)
	if err != nil {
		return nil, fmt.Errorf("router: private dispatch: %w", err)
	}
	return &Outcome{
		Kind: classifier.ResponsePrivate,
		PrivateReply: &types.Message{
			Role:      types.RolePlayer,
			Author:    p.Name(),
			Content:   res.Content,
			Turn:      turn,
			Timestamp: time.Now().UTC(),
			Tag:       "private",
			Reasoning: res.Reasoning,
		},
	}, nil
}

// discussion delegates to the consensus engine and replies with the
// spokesperson's synthesis of the settled outcome.
func (r *Router) discussion(ctx context.Context, narratorText string, turn int) (*Outcome, error) {
	res, err := r.engine.Run(ctx, r.roster, narratorText)
	if err != nil {
		return nil, fmt.Errorf("router: discussion dispatch: %w", err)
	}
	sp := r.roster.Spokesperson()
	return &Outcome{
		Kind:       classifier.ResponseDiscussion,
		Discussion: res,
		Replies: []types.Message{{
			Role:      types.RoleSpokesperson,
			Author:    sp.Name(),
			Content:   res.Summary,
			Turn:      turn,
			Timestamp: time.Now().UTC(),
		}},
	}, nil
}
