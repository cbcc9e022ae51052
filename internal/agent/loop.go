// Package agent implements the core turn loop: budget check, context
// assembly, model calls down the fallback chain, bounded parallel tool
// execution, and persistence of everything that happened.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danvaneijck/attache/internal/assembler"
	"github.com/danvaneijck/attache/internal/budget"
	"github.com/danvaneijck/attache/internal/config"
	"github.com/danvaneijck/attache/internal/fault"
	"github.com/danvaneijck/attache/internal/llm"
	"github.com/danvaneijck/attache/internal/memory"
	"github.com/danvaneijck/attache/internal/persona"
	"github.com/danvaneijck/attache/internal/registry"
)

// TurnRequest is one incoming conversational turn.
type TurnRequest struct {
	UserID         string                 `json:"user_id"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Content        string                 `json:"content"`
	Attachments    []assembler.Attachment `json:"attachments,omitempty"`
	Persona        string                 `json:"persona,omitempty"`
	Channel        string                 `json:"channel,omitempty"`
}

// TurnResponse is the structured outcome of a turn. Error carries a
// user-facing message for terminal conditions (budget exhausted,
// unknown tool, no reachable model); it is never a transport fault.
type TurnResponse struct {
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	Files          []string  `json:"files,omitempty"`
	Model          string    `json:"model,omitempty"`
	Vendor         string    `json:"vendor,omitempty"`
	StopReason     string    `json:"stop_reason,omitempty"`
	Partial        bool      `json:"partial,omitempty"`
	Iterations     int       `json:"iterations"`
	Usage          llm.Usage `json:"usage"`
	Error          string    `json:"error,omitempty"`
}

// ToolRouter is the registry surface the loop needs.
type ToolRouter interface {
	ListTools(permissionLevel int, allowedNamespaces []string) []registry.Tool
	Execute(ctx context.Context, name string, args map[string]any, user registry.ActingUser, rc *registry.RoutingContext) (string, error)
}

// Nudger lets the loop prompt the compactor after a turn without
// blocking on it.
type Nudger interface {
	Nudge()
}

// EventSink receives turn lifecycle notifications. Implementations must
// not block; a nil sink disables events.
type EventSink interface {
	TurnStarted(conversationID, userID string)
	ToolExecuted(conversationID, tool string, isError bool)
	TurnCompleted(conversationID string, iterations int, partial bool)
}

// EventSinks fans notifications out to several sinks in order.
type EventSinks []EventSink

func (s EventSinks) TurnStarted(conversationID, userID string) {
	for _, sink := range s {
		sink.TurnStarted(conversationID, userID)
	}
}

func (s EventSinks) ToolExecuted(conversationID, tool string, isError bool) {
	for _, sink := range s {
		sink.ToolExecuted(conversationID, tool, isError)
	}
}

func (s EventSinks) TurnCompleted(conversationID string, iterations int, partial bool) {
	for _, sink := range s {
		sink.TurnCompleted(conversationID, iterations, partial)
	}
}

// Loop orchestrates turns. One Turn call is one independent instance of
// the state machine; Loop itself holds no per-turn state and is safe
// for concurrent use.
type Loop struct {
	store     *memory.Store
	budget    *budget.Store
	assembler *assembler.Assembler
	registry  ToolRouter
	chain     *llm.Chain
	personas  *persona.Store
	compactor Nudger
	events    EventSink
	cfg       config.AgentConfig
	logger    *slog.Logger
}

// New wires a loop. compactor and events may be nil.
func New(
	store *memory.Store,
	budgetStore *budget.Store,
	asm *assembler.Assembler,
	reg ToolRouter,
	chain *llm.Chain,
	personas *persona.Store,
	compactor Nudger,
	events EventSink,
	cfg config.AgentConfig,
	logger *slog.Logger,
) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		store:     store,
		budget:    budgetStore,
		assembler: asm,
		registry:  reg,
		chain:     chain,
		personas:  personas,
		compactor: compactor,
		events:    events,
		cfg:       cfg,
		logger:    logger.With("component", "agent"),
	}
}

// Turn runs one conversational turn to completion. Terminal conditions
// (budget exhausted, unknown tool, no reachable model, iteration cap)
// come back as a structured TurnResponse, not an error; a non-nil error
// means infrastructure failure or caller cancellation.
func (l *Loop) Turn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("turn request has no user")
	}
	if req.Content == "" {
		return nil, fmt.Errorf("turn request has no content")
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate conversation ID: %w", err)
		}
		conversationID = id.String()
	}

	user, err := l.budget.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	// Cheap estimate: roughly four bytes per token on the input, plus
	// headroom for the completion. The real debit happens per call once
	// usage is known.
	estimate := int64(len(req.Content)/4 + l.cfg.CompletionReserveTokens)
	if err := l.budget.CheckBudget(ctx, req.UserID, estimate); err != nil {
		if fault.KindOf(err) == fault.KindBudgetExceeded {
			l.logger.Info("turn refused, budget exhausted", "user", req.UserID, "estimate", estimate)
			return &TurnResponse{
				ConversationID: conversationID,
				Error:          "Your token budget is exhausted. Ask an administrator to top it up.",
			}, nil
		}
		return nil, err
	}

	p := l.persona(req.Persona)

	if err := l.store.EnsureConversation(ctx, conversationID, req.UserID, req.Channel); err != nil {
		return nil, err
	}

	prompt, err := l.assembler.Build(ctx, req.UserID, p, conversationID, req.Content, req.Attachments)
	if err != nil {
		return nil, err
	}

	tools := l.registry.ListTools(user.PermissionLevel, p.AllowedNamespaces)
	defs := make([]llm.ToolDef, len(tools))
	for i, t := range tools {
		defs[i] = t.Def()
	}

	if _, err := l.store.AppendMessage(ctx, memory.Message{
		ConversationID: conversationID,
		Role:           memory.RoleUser,
		Content:        req.Content,
	}); err != nil {
		return nil, err
	}

	if l.events != nil {
		l.events.TurnStarted(conversationID, req.UserID)
	}

	turnID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate turn ID: %w", err)
	}

	st := &turnState{
		conversationID: conversationID,
		turnID:         turnID.String(),
		req:            req,
		user:           user,
		system:         prompt.System,
		msgs:           prompt.Messages,
		defs:           defs,
		chain:          l.chainFor(p.PreferredModel),
	}
	resp, err := l.run(ctx, st)
	if err != nil {
		return nil, err
	}

	if l.events != nil {
		l.events.TurnCompleted(conversationID, resp.Iterations, resp.Partial)
	}
	if l.compactor != nil {
		l.compactor.Nudge()
	}
	return resp, nil
}

// turnState is the mutable state of one in-flight turn.
type turnState struct {
	conversationID string
	turnID         string
	req            TurnRequest
	user           *budget.User
	system         string
	msgs           []llm.Message
	defs           []llm.ToolDef
	chain          *llm.Chain

	iterations int
	lastText   string
	files      []string
	totals     llm.Usage
}

// run drives the call-model / execute-tools cycle until the model ends
// its turn or a limit intervenes.
func (l *Loop) run(ctx context.Context, st *turnState) (*TurnResponse, error) {
	for st.iterations < l.cfg.MaxIterations {
		st.iterations++

		comp, err := l.callModel(ctx, st)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.persistError(st, err)
			return &TurnResponse{
				ConversationID: st.conversationID,
				Iterations:     st.iterations,
				Usage:          st.totals,
				Error:          "No model provider is reachable right now. Please try again shortly.",
			}, nil
		}

		if comp.Text != "" {
			st.lastText = comp.Text
			l.persist(st, memory.Message{
				Role:       memory.RoleAssistant,
				Content:    comp.Text,
				TokenCount: comp.Usage.OutputTokens,
				Model:      comp.Model,
			})
		}

		if comp.StopReason != llm.StopToolUse {
			return &TurnResponse{
				ConversationID: st.conversationID,
				Content:        comp.Text,
				Files:          st.files,
				Model:          comp.Model,
				Vendor:         comp.Vendor,
				StopReason:     string(comp.StopReason),
				Iterations:     st.iterations,
				Usage:          st.totals,
			}, nil
		}

		unknown, err := l.toolRound(ctx, st, comp)
		if err != nil {
			return nil, err
		}
		if unknown != "" {
			return &TurnResponse{
				ConversationID: st.conversationID,
				Iterations:     st.iterations,
				Usage:          st.totals,
				Error:          fmt.Sprintf("The tool %q is not available.", unknown),
			}, nil
		}
	}

	// Iteration cap: terminate with whatever the model last said,
	// flagged partial.
	l.logger.Warn("iteration limit reached",
		"conversation", st.conversationID,
		"turn", st.turnID,
		"iterations", st.iterations,
	)
	return &TurnResponse{
		ConversationID: st.conversationID,
		Content:        st.lastText,
		Files:          st.files,
		StopReason:     fault.KindIterationLimitExceeded.String(),
		Partial:        true,
		Iterations:     st.iterations,
		Usage:          st.totals,
	}, nil
}

// callModel runs one chain completion under the model timeout and
// settles usage accounting for it.
func (l *Loop) callModel(ctx context.Context, st *turnState) (*llm.Completion, error) {
	modelCtx, cancel := context.WithTimeout(ctx, time.Duration(l.cfg.ModelTimeoutSec)*time.Second)
	defer cancel()

	comp, attempts, err := st.chain.Complete(modelCtx, llm.Request{
		System:   st.system,
		Messages: st.msgs,
		Tools:    st.defs,
	})
	l.logger.Debug("model round trip",
		"conversation", st.conversationID,
		"attempts", len(attempts),
		"error", err,
	)
	if err != nil {
		return nil, err
	}

	st.totals.InputTokens += comp.Usage.InputTokens
	st.totals.OutputTokens += comp.Usage.OutputTokens
	if err := l.budget.RecordUsage(ctx, budget.Record{
		TurnID:         st.turnID,
		ConversationID: st.conversationID,
		UserID:         st.req.UserID,
		Vendor:         comp.Vendor,
		Model:          comp.Model,
		InputTokens:    comp.Usage.InputTokens,
		OutputTokens:   comp.Usage.OutputTokens,
	}); err != nil {
		l.logger.Error("usage record failed", "turn", st.turnID, "error", err)
	}
	if err := l.budget.Debit(ctx, st.req.UserID, int64(comp.Usage.Total())); err != nil {
		l.logger.Error("budget debit failed", "user", st.req.UserID, "error", err)
	}
	return comp, nil
}

// toolRound executes every tool the model requested and feeds the
// results back into the transcript in the model's request order. A
// non-empty return names a tool the registry does not recognize, which
// ends the turn.
func (l *Loop) toolRound(ctx context.Context, st *turnState, comp *llm.Completion) (string, error) {
	st.msgs = append(st.msgs, llm.Message{
		Role:     llm.RoleAssistant,
		Content:  comp.Text,
		ToolUses: comp.ToolUses,
	})

	results := l.executeTools(ctx, st, comp.ToolUses)

	// Caller went away: the calls ran to completion, but nothing they
	// produced is processed or persisted. Call and result rows are
	// written as pairs below, so a cancelled round leaves no tool_call
	// without its tool_result in history.
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	unknown := ""
	for _, res := range results {
		content := res.content
		isError := false
		if res.err != nil {
			content = res.err.Error()
			isError = true
			if fault.KindOf(res.err) == fault.KindUnknownTool && unknown == "" {
				unknown = res.use.Name
			}
		} else {
			st.files = append(st.files, fileRefs(content)...)
		}

		l.persist(st, memory.Message{
			Role:      memory.RoleToolCall,
			Content:   res.use.ArgumentsJSON(),
			ToolUseID: res.use.ID,
			ToolName:  res.use.Name,
			Model:     comp.Model,
		})
		st.msgs = append(st.msgs, llm.Message{
			Role:      llm.RoleTool,
			Content:   content,
			ToolUseID: res.use.ID,
			ToolName:  res.use.Name,
			IsError:   isError,
		})
		l.persist(st, memory.Message{
			Role:      memory.RoleToolResult,
			Content:   content,
			ToolUseID: res.use.ID,
			ToolName:  res.use.Name,
			IsError:   isError,
		})
		if l.events != nil {
			l.events.ToolExecuted(st.conversationID, res.use.Name, isError)
		}
	}
	return unknown, nil
}

// fileRefs pulls the conventional "files" list out of a structured
// tool result. Results that are not JSON objects carry no files.
func fileRefs(content string) []string {
	var payload struct {
		Files []string `json:"files"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil
	}
	return payload.Files
}

// toolResult pairs one requested invocation with its outcome.
type toolResult struct {
	use     llm.ToolUse
	content string
	err     error
}

// executeTools runs the round's invocations with bounded parallelism.
// Results come back indexed by request position, so the transcript
// order never depends on completion order. The per-call context is
// detached from the turn context: cancellation lets in-flight calls
// finish, and the caller discards the results.
func (l *Loop) executeTools(ctx context.Context, st *turnState, uses []llm.ToolUse) []toolResult {
	parallel := l.cfg.MaxParallelTools
	if parallel < 1 {
		parallel = 1
	}
	timeout := time.Duration(l.cfg.ToolTimeoutSec) * time.Second

	rc := &registry.RoutingContext{
		ConversationID: st.conversationID,
		Channel:        st.req.Channel,
	}
	actor := registry.ActingUser{
		ID:              st.user.ID,
		PermissionLevel: st.user.PermissionLevel,
	}

	results := make([]toolResult, len(uses))
	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup
	for i, use := range uses {
		wg.Add(1)
		go func(i int, use llm.ToolUse) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			defer cancel()

			out, err := l.registry.Execute(callCtx, use.Name, use.Arguments, actor, rc)
			results[i] = toolResult{use: use, content: out, err: err}
		}(i, use)
	}
	wg.Wait()
	return results
}

// persona resolves the requested persona name, falling back to the
// built-in default when no store is configured.
func (l *Loop) persona(name string) *persona.Persona {
	if l.personas == nil {
		return persona.Default()
	}
	return l.personas.Get(name)
}

// chainFor reorders the fallback chain so a persona's preferred model
// is tried first. A preference naming no configured model is ignored.
func (l *Loop) chainFor(preferred string) *llm.Chain {
	if preferred == "" {
		return l.chain
	}
	entries := l.chain.Entries()
	for i, e := range entries {
		if e.Model != preferred {
			continue
		}
		if i == 0 {
			return l.chain
		}
		reordered := make([]llm.ChainEntry, 0, len(entries))
		reordered = append(reordered, e)
		reordered = append(reordered, entries[:i]...)
		reordered = append(reordered, entries[i+1:]...)
		chain, err := llm.NewChain(reordered, l.logger)
		if err != nil {
			return l.chain
		}
		return chain
	}
	l.logger.Debug("preferred model not in fallback chain", "model", preferred)
	return l.chain
}

// persist appends one history row, logging rather than failing the turn
// when the write does not land.
func (l *Loop) persist(st *turnState, msg memory.Message) {
	msg.ConversationID = st.conversationID
	if _, err := l.store.AppendMessage(context.Background(), msg); err != nil {
		l.logger.Error("history write failed",
			"conversation", st.conversationID,
			"role", msg.Role,
			"error", err,
		)
	}
}

// persistError records a failed model round as an error-marked
// assistant row so the transcript shows what happened.
func (l *Loop) persistError(st *turnState, err error) {
	l.persist(st, memory.Message{
		Role:    memory.RoleAssistant,
		Content: err.Error(),
		IsError: true,
	})
}
