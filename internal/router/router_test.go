package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/storyloom/playtest/internal/agent"
	"github.com/storyloom/playtest/internal/classifier"
	"github.com/storyloom/playtest/internal/discussion"
	"github.com/storyloom/playtest/internal/generate"
	"github.com/storyloom/playtest/pkg/provider/llm"
	"github.com/storyloom/playtest/pkg/provider/llm/mock"
	"github.com/storyloom/playtest/pkg/types"
)

func testPlayer(t *testing.T, name string, p *mock.Provider) *agent.Player {
	t.Helper()
	caller, err := generate.NewCaller(
		[]generate.ModelRef{{Name: "gpt-4o-mini", Provider: p}},
		generate.Config{Retries: 1, RetryDelay: time.Millisecond},
	)
	if err != nil {
		t.Fatalf("NewCaller: %v", err)
	}
	arch, err := agent.ArchetypeByID("cautious-strategist")
	if err != nil {
		t.Fatalf("ArchetypeByID: %v", err)
	}
	player, err := agent.NewPlayer(arch, name, caller)
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}
	return player
}

// testRouter builds a three-player roster (Mira is spokesperson) backed by
// the given providers, in roster order.
func testRouter(t *testing.T, mira, tobben, sela *mock.Provider) *Router {
	t.Helper()
	roster, err := agent.NewRoster([]*agent.Player{
		testPlayer(t, "Mira", mira),
		testPlayer(t, "Tobben", tobben),
		testPlayer(t, "Sela", sela),
	}, "Mira")
	if err != nil {
		t.Fatalf("NewRoster: %v", err)
	}
	return New(roster, discussion.NewEngine(discussion.WithMaxRounds(1)))
}

func TestDispatch_GroupSynthesizesOneReply(t *testing.T) {
	mira := &mock.Provider{Responses: []*llm.CompletionResponse{
		{Content: "I raise my lantern."},
		{Content: "We raise the lantern and brace the door together."},
	}}
	tobben := &mock.Provider{Responses: []*llm.CompletionResponse{{Content: "I brace the door."}}}
	sela := &mock.Provider{Responses: []*llm.CompletionResponse{{Content: "I listen at the wall."}}}
	r := testRouter(t, mira, tobben, sela)

	out, err := r.Dispatch(context.Background(), nil, "Something scratches at the door.", 3,
		&classifier.Classification{ResponseType: classifier.ResponseGroup})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Kind != classifier.ResponseGroup {
		t.Errorf("Kind = %q", out.Kind)
	}
	if len(out.Replies) != 1 {
		t.Fatalf("len(Replies) = %d, want 1", len(out.Replies))
	}
	reply := out.Replies[0]
	if reply.Role != types.RoleSpokesperson || reply.Author != "Mira" || reply.Turn != 3 {
		t.Errorf("reply = %+v", reply)
	}
	if reply.Content != "We raise the lantern and brace the door together." {
		t.Errorf("reply.Content = %q", reply.Content)
	}

	// Reactions come back in roster order regardless of completion order.
	wantOrder := []string{"Mira", "Tobben", "Sela"}
	if len(out.Reactions) != 3 {
		t.Fatalf("len(Reactions) = %d, want 3", len(out.Reactions))
	}
	for i, want := range wantOrder {
		if out.Reactions[i].Player != want {
			t.Errorf("Reactions[%d].Player = %q, want %q", i, out.Reactions[i].Player, want)
		}
	}

	// The synthesis prompt must carry every player's reaction.
	synthPrompt := mira.Calls()[1].Req.Messages[0].Content
	for _, text := range []string{"I raise my lantern.", "I brace the door.", "I listen at the wall."} {
		if !strings.Contains(synthPrompt, text) {
			t.Errorf("synthesis prompt missing reaction %q", text)
		}
	}
}

func TestDispatch_DirectedRepliesInListedOrder(t *testing.T) {
	mira := &mock.Provider{}
	tobben := &mock.Provider{Responses: []*llm.CompletionResponse{{Content: "I check my pack."}}}
	sela := &mock.Provider{Responses: []*llm.CompletionResponse{{Content: "I nod at Tobben."}}}
	r := testRouter(t, mira, tobben, sela)

	out, err := r.Dispatch(context.Background(), nil, "Tobben, Sela — what do you carry?", 5,
		&classifier.Classification{
			ResponseType:  classifier.ResponseDirected,
			TargetPlayers: []string{"Tobben", "Sela"},
		})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(out.Replies) != 2 {
		t.Fatalf("len(Replies) = %d, want 2", len(out.Replies))
	}
	if out.Replies[0].Author != "Tobben" || out.Replies[1].Author != "Sela" {
		t.Errorf("reply order = %q, %q; want Tobben, Sela", out.Replies[0].Author, out.Replies[1].Author)
	}
	for _, reply := range out.Replies {
		if reply.Role != types.RolePlayer {
			t.Errorf("reply Role = %q, want player", reply.Role)
		}
	}
	// The untargeted spokesperson stays silent.
	if n := len(mira.Calls()); n != 0 {
		t.Errorf("Mira was called %d times, want 0", n)
	}
	// The second responder sees the first responder's reply.
	selaPrompt := sela.Calls()[0].Req.Messages
	var sawTobben bool
	for _, m := range selaPrompt {
		if strings.Contains(m.Content, "I check my pack.") {
			sawTobben = true
		}
	}
	if !sawTobben {
		t.Error("Sela's prompt does not include Tobben's earlier reply")
	}
}

func TestDispatch_PrivateStaysOutOfPublicTranscript(t *testing.T) {
	mira := &mock.Provider{Responses: []*llm.CompletionResponse{{Content: "I say nothing to the others."}}}
	tobben := &mock.Provider{}
	sela := &mock.Provider{}
	r := testRouter(t, mira, tobben, sela)

	out, err := r.Dispatch(context.Background(), nil,
		"[To Mira only] The ferryman remembers your debt.", 4,
		&classifier.Classification{
			ResponseType:  classifier.ResponsePrivate,
			TargetPlayers: []string{"Mira"},
		})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(out.Replies) != 0 {
		t.Errorf("private dispatch produced public replies: %v", out.Replies)
	}
	if out.PrivateReply == nil {
		t.Fatal("PrivateReply is nil")
	}
	if out.PrivateReply.Author != "Mira" || out.PrivateReply.Tag != "private" {
		t.Errorf("PrivateReply = %+v", *out.PrivateReply)
	}
	// Only the target saw the disclosure.
	if n := len(tobben.Calls()) + len(sela.Calls()); n != 0 {
		t.Errorf("non-target players were called %d times, want 0", n)
	}
	last := mira.Calls()[0].Req.Messages
	if !strings.Contains(last[len(last)-1].Content, "[Privately, to you only]") {
		t.Error("disclosure was not marked private for the target")
	}
}

func TestDispatch_NoneIsSilent(t *testing.T) {
	mira := &mock.Provider{}
	tobben := &mock.Provider{}
	sela := &mock.Provider{}
	r := testRouter(t, mira, tobben, sela)

	out, err := r.Dispatch(context.Background(), nil, "The rain keeps falling.", 6,
		&classifier.Classification{ResponseType: classifier.ResponseNone})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(out.Replies) != 0 || out.PrivateReply != nil {
		t.Errorf("none dispatch produced output: %+v", out)
	}
	if n := len(mira.Calls()) + len(tobben.Calls()) + len(sela.Calls()); n != 0 {
		t.Errorf("players were called %d times, want 0", n)
	}
}

func TestDispatch_DiscussionDelegatesToEngine(t *testing.T) {
	settled := `{"comment": "ok", "state": "settled", "character": {"name": "X", "role": "scout", "backstory": "b"}}`
	mira := &mock.Provider{Responses: []*llm.CompletionResponse{
		{Content: settled},
		{Content: "We have made our choices."},
	}}
	tobben := &mock.Provider{Responses: []*llm.CompletionResponse{{Content: settled}}}
	sela := &mock.Provider{Responses: []*llm.CompletionResponse{{Content: settled}}}
	r := testRouter(t, mira, tobben, sela)

	out, err := r.Dispatch(context.Background(), nil, "Before we begin, who are you all?", 0,
		&classifier.Classification{ResponseType: classifier.ResponseDiscussion})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Discussion == nil {
		t.Fatal("Discussion result is nil")
	}
	if len(out.Replies) != 1 || out.Replies[0].Content != "We have made our choices." {
		t.Errorf("Replies = %+v", out.Replies)
	}
	if out.Replies[0].Role != types.RoleSpokesperson {
		t.Errorf("Role = %q, want spokesperson", out.Replies[0].Role)
	}
}

func TestDispatch_GroupFailurePropagates(t *testing.T) {
	mira := &mock.Provider{CompleteErr: errors.New("provider down")}
	tobben := &mock.Provider{}
	sela := &mock.Provider{}
	r := testRouter(t, mira, tobben, sela)

	_, err := r.Dispatch(context.Background(), nil, "Something scratches at the door.", 3,
		&classifier.Classification{ResponseType: classifier.ResponseGroup})
	if !errors.Is(err, generate.ErrAllModelsFailed) {
		t.Errorf("err = %v, want ErrAllModelsFailed", err)
	}
}

func TestDispatch_UnknownTypeErrors(t *testing.T) {
	r := testRouter(t, &mock.Provider{}, &mock.Provider{}, &mock.Provider{})
	_, err := r.Dispatch(context.Background(), nil, "x", 1,
		&classifier.Classification{ResponseType: classifier.ResponseType("broadcast")})
	if err == nil {
		t.Fatal("Dispatch accepted an unknown response type")
	}
}
