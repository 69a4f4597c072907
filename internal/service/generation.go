package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docagent-io/docagent/internal/domain"
)

// StreamState tracks a generation request through its lifecycle.
type StreamState string

const (
	StateAwaitingFirstToken StreamState = "awaiting_first_token"
	StateStreaming          StreamState = "streaming"
	StateCompleted          StreamState = "completed"
	StateFailed             StreamState = "failed"
)

// ChatProvider is the slice of the model provider the orchestrator drives.
type ChatProvider interface {
	StreamChat(ctx context.Context, req ChatRequest) (TokenStream, error)
}

// GenerationConfig controls streaming behavior. IdleTimeout bounds the gap
// between tokens rather than total duration, since response length is
// unbounded.
type GenerationConfig struct {
	IdleTimeout time.Duration
}

// DefaultGenerationConfig provides the orchestrator defaults.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{IdleTimeout: 60 * time.Second}
}

// GenerateRequest is one question against a chat's document scope.
type GenerateRequest struct {
	ScopeID  string
	Question string
	Context  *RetrievedContext
	History  []ChatMessage
}

// GenerationResult is the final metadata event for a generation: the full
// response text, the context that grounded it, and the owning scope. State
// is Completed only when the provider signaled a clean end of stream.
type GenerationResult struct {
	ScopeID     string
	Text        string
	ContextUsed string
	TokenCount  int
	State       StreamState
}

// GenerationOrchestrator drives one streaming completion per request,
// forwarding tokens in arrival order and assembling the final response.
type GenerationOrchestrator struct {
	provider ChatProvider
	cfg      GenerationConfig
}

// NewGenerationOrchestrator creates an orchestrator around the provider.
func NewGenerationOrchestrator(provider ChatProvider, cfg GenerationConfig) (*GenerationOrchestrator, error) {
	if cfg.IdleTimeout <= 0 {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation,
			"generation idle timeout must be positive", domain.ErrInvalidConfiguration)
	}
	return &GenerationOrchestrator{provider: provider, cfg: cfg}, nil
}

type recvResult struct {
	token string
	err   error
}

// Generate streams a completion, invoking onToken for every token as it
// arrives. It returns the final result with State Completed, or State Failed
// plus a non-nil error when the stream broke before completion; the partial
// text is carried in the result but must not be persisted as an answer.
func (o *GenerationOrchestrator) Generate(ctx context.Context, req GenerateRequest, onToken func(token string) error) (*GenerationResult, error) {
	result := &GenerationResult{
		ScopeID: req.ScopeID,
		State:   StateAwaitingFirstToken,
	}
	if req.Context != nil && !req.Context.Empty {
		result.ContextUsed = req.Context.Text
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := o.provider.StreamChat(runCtx, ChatRequest{
		System:   BuildSystemPrompt(req.Context),
		History:  req.History,
		Question: req.Question,
	})
	if err != nil {
		result.State = StateFailed
		return result, domain.NewDomainErrorWithCause(domain.ErrCodeInternalError,
			domain.ErrStreamFailed.Message, err)
	}
	defer stream.Close()

	// Recv blocks, so a pump goroutine feeds tokens through a channel where
	// the idle timer and caller cancellation can race them.
	recvCh := make(chan recvResult, 1)
	go func() {
		defer close(recvCh)
		for {
			token, err := stream.Recv()
			select {
			case recvCh <- recvResult{token: token, err: err}:
			case <-runCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var text strings.Builder
	idle := time.NewTimer(o.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			result.State = StateFailed
			result.Text = text.String()
			return result, domain.NewDomainErrorWithCause(domain.ErrCodeInternalError,
				domain.ErrStreamFailed.Message, ctx.Err())

		case <-idle.C:
			result.State = StateFailed
			result.Text = text.String()
			return result, domain.NewDomainErrorWithCause(domain.ErrCodeInternalError,
				domain.ErrStreamFailed.Message,
				fmt.Errorf("no token received for %s", o.cfg.IdleTimeout))

		case recv := <-recvCh:
			if errors.Is(recv.err, io.EOF) {
				result.State = StateCompleted
				result.Text = text.String()
				return result, nil
			}
			if recv.err != nil {
				result.State = StateFailed
				result.Text = text.String()
				return result, domain.NewDomainErrorWithCause(domain.ErrCodeInternalError,
					domain.ErrStreamFailed.Message,
					fmt.Errorf("stream disconnected after %d tokens: %w", result.TokenCount, recv.err))
			}

			result.State = StateStreaming
			result.TokenCount++
			text.WriteString(recv.token)

			if onToken != nil {
				if err := onToken(recv.token); err != nil {
					// The caller is gone; cancel the in-flight generation.
					result.State = StateFailed
					result.Text = text.String()
					return result, domain.NewDomainErrorWithCause(domain.ErrCodeInternalError,
						domain.ErrStreamFailed.Message, err)
				}
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(o.cfg.IdleTimeout)
		}
	}
}

// BuildSystemPrompt assembles the grounding instructions for the model. An
// empty context is stated explicitly so the model does not invent document
// content.
func BuildSystemPrompt(retrieved *RetrievedContext) string {
	var b strings.Builder
	b.WriteString("You are a document question answering assistant. ")
	b.WriteString("Answer using the CONTEXT section when it is provided, and reference the relevant parts.\n\n")

	if retrieved == nil || retrieved.Empty {
		b.WriteString("CONTEXT:\n(no document context is available for this conversation; say so if the question requires it)\n")
		return b.String()
	}

	b.WriteString("CONTEXT:\n")
	b.WriteString(retrieved.Text)
	b.WriteString("\n")
	return b.String()
}
