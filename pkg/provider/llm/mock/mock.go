// Package mock provides test doubles for the llm package interfaces.
//
// Use Provider to script completion responses and inspect the requests the
// caller issued. Responses are consumed in order; when the script runs out the
// last response is repeated, which keeps long-running session tests short.
//
// Example:
//
//	p := &mock.Provider{
//	    Responses: []*llm.CompletionResponse{
//	        {Content: "The door creaks open.", Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
//	    },
//	}
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/storyloom/playtest/pkg/provider/llm"
)

// errScripted is returned for FailFirst calls when no CompleteErr is set.
var errScripted = errors.New("mock: scripted failure")

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// CompleteCall records a single invocation of Provider.Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the request passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a scripted mock implementation of llm.Provider.
// All fields must be configured before first use; methods are safe for
// concurrent use afterwards.
type Provider struct {
	mu   sync.Mutex
	next int

	// Responses are returned from Complete in order. When the script is
	// exhausted the final response repeats. When empty and CompleteFn is nil,
	// Complete returns a fixed placeholder response.
	Responses []*llm.CompletionResponse

	// CompleteFn, if non-nil, overrides Responses entirely and is invoked for
	// every Complete call. Useful for request-dependent scripting.
	CompleteFn func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CompleteErr, if non-nil, is returned as the error from every Complete
	// call (after recording it). Takes precedence over Responses.
	CompleteErr error

	// FailFirst makes the first N Complete calls fail with CompleteErr (or a
	// generic error) before the script takes over. Used to exercise fallback
	// and retry paths.
	FailFirst int

	// Caps is returned from Capabilities.
	Caps llm.ModelCapabilities

	// CompleteCalls records every call to Complete.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})

	if p.FailFirst > 0 {
		p.FailFirst--
		if p.CompleteErr != nil {
			return nil, p.CompleteErr
		}
		return nil, errScripted
	}
	if p.CompleteFn != nil {
		return p.CompleteFn(ctx, req)
	}
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if len(p.Responses) == 0 {
		return &llm.CompletionResponse{Content: "mock response"}, nil
	}

	resp := p.Responses[p.next]
	if p.next < len(p.Responses)-1 {
		p.next++
	}
	return resp, nil
}

// CountTokens approximates tokens as content length / 4 per message.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
	}
	return total, nil
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return p.Caps
}

// Calls returns a snapshot of recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}
