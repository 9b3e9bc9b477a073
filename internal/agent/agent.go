// Package agent drives turns for incoming user messages: it asks the
// configured provider for a reply, runs the tool calls it requests and
// reports every step through a runtime.Callback.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/murmur/internal/clock"
	"github.com/felixgeelhaar/murmur/internal/guard"
	"github.com/felixgeelhaar/murmur/internal/observe"
	"github.com/felixgeelhaar/murmur/internal/provider"
	"github.com/felixgeelhaar/murmur/internal/runtime"
	"github.com/felixgeelhaar/murmur/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultSystemPrompt frames the assistant for providers that accept one.
const DefaultSystemPrompt = "You are a helpful assistant in a live chat room. " +
	"Use the available tools when they help and answer concisely."

const defaultHistoryLimit = 20

// Config bundles the collaborators of an Agent. Tools, Guard and Titler
// are optional.
type Config struct {
	Provider     provider.Provider
	Streamer     *runtime.Streamer
	Store        *store.Store
	Tools        *runtime.ToolRegistry
	Guard        *guard.Guard
	Titler       *Titler
	Observer     *observe.Observer
	Clock        clock.Clock
	SystemPrompt string
	HistoryLimit int
}

// Agent answers user messages in rooms.
type Agent struct {
	cfg Config
}

func New(cfg Config) *Agent {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Guard == nil {
		cfg.Guard = guard.New(guard.DefaultPolicy)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Agent{cfg: cfg}
}

// HandleMessage runs one turn for content posted by a user in ref. It
// returns after the turn's writes have been applied.
func (a *Agent) HandleMessage(ctx context.Context, ref runtime.RoomRef, content string) error {
	ctx, span := a.cfg.Observer.StartSpan(ctx, "agent.HandleMessage", attribute.String("murmur.room", ref.External))
	defer span.End()

	history, err := a.history(ctx, ref)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	turn := a.cfg.Streamer.TurnFor(ctx, ref)
	turn.SendText(store.AuthorUser, content)

	runErr := a.run(ctx, turn, append(history, provider.Message{Role: provider.RoleUser, Content: content}))
	if runErr != nil {
		observe.Fail(span, runErr)
		a.cfg.Observer.Log().Error().
			Str("room", ref.External).
			Str("turn", turn.ID()).
			Err(runErr).
			Msg("turn failed")
	}

	if err := turn.Close(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if a.cfg.Titler != nil && runErr == nil {
		if _, _, err := a.cfg.Titler.Maybe(ctx, ref); err != nil {
			a.cfg.Observer.Log().Warn().
				Str("room", ref.External).
				Err(err).
				Msg("title generation failed")
		}
	}
	return runErr
}

// run is the provider/tool loop. Errors are already reported to the room
// when it returns.
func (a *Agent) run(ctx context.Context, turn *runtime.Turn, msgs []provider.Message) error {
	cb := runtime.NewCallback(turn, a.cfg.Clock)
	state := a.cfg.Streamer.State()
	specs := a.specs()

	for iteration := 1; ; iteration++ {
		prompt, output := state.GetTokenUsage(turn.ID())
		if v := a.cfg.Guard.CheckBudget(iteration, prompt, output); v != nil {
			turn.SendError(FriendlyError(v))
			return v
		}

		callID := uuid.NewString()
		cb.OnModuleStart(callID)

		resp, err := a.cfg.Provider.Chat(ctx, msgs, specs)
		if err != nil {
			cb.OnModuleEnd(callID, errors.New(FriendlyError(err)))
			return fmt.Errorf("provider %s: %w", a.cfg.Provider.Name(), err)
		}
		state.AddTokenUsage(turn.ID(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

		if len(resp.ToolCalls) == 0 {
			cb.OnModuleEnd(callID, nil)
			cb.OnResponse(resp.Content)
			return nil
		}

		cb.OnThought(resp.Content)
		msgs = append(msgs, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result := a.callTool(ctx, cb, turn, call)
			msgs = append(msgs, provider.Message{
				Role:       provider.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
		cb.OnModuleEnd(callID, nil)
	}
}

// callTool runs one requested tool and returns what the model gets back.
func (a *Agent) callTool(ctx context.Context, cb *runtime.Callback, turn *runtime.Turn, call provider.ToolCall) string {
	cb.OnToolStart(call.ID, call.Name, call.Args)

	if v := a.cfg.Guard.CheckTool(call.Name); v != nil {
		cb.OnToolEnd(call.ID, nil, v)
		return "error: " + v.Message
	}
	out, err := a.cfg.Tools.Execute(ctx, turn.Room().External, call)
	cb.OnToolEnd(call.ID, out, err)
	if err != nil {
		return "error: " + err.Error()
	}
	return out
}

func (a *Agent) specs() []provider.ToolSpec {
	var specs []provider.ToolSpec
	for _, s := range a.cfg.Tools.Specs() {
		if a.cfg.Guard.CheckTool(s.Name) == nil {
			specs = append(specs, s)
		}
	}
	return specs
}

// history returns the room's recent messages, oldest first, behind the
// system prompt.
func (a *Agent) history(ctx context.Context, ref runtime.RoomRef) ([]provider.Message, error) {
	events, err := a.cfg.Store.Events.List(ctx, ref.Token, ref.Internal, a.cfg.HistoryLimit, 0)
	if err != nil {
		return nil, err
	}
	msgs := []provider.Message{{Role: provider.RoleSystem, Content: a.cfg.SystemPrompt}}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Kind != store.KindMessage {
			continue
		}
		role := provider.RoleUser
		if ev.Author == store.AuthorAgent {
			role = provider.RoleAssistant
		}
		msgs = append(msgs, provider.Message{Role: role, Content: ev.Content})
	}
	return msgs, nil
}
