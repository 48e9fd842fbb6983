// Orchestrator - agent registry front and run supervisor.
//
// Owns the set of live runs. Each run is driven by one goroutine that
// reports through a buffered event channel.
//
// Information Hiding:
// - Run admission and capacity accounting hidden
// - Per-run cancellation and confirmation channels hidden
// - Completion client selection hidden

package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/richinex/conductor/agent"
	"github.com/richinex/conductor/chatcontext"
	"github.com/richinex/conductor/llm"
	"github.com/richinex/conductor/metrics"
	"github.com/richinex/conductor/model"
	"github.com/richinex/conductor/tools"
)

// Defaults for Config.
const (
	DefaultMaxConcurrentRuns = 5
	DefaultEventBuffer       = 64
)

// Errors returned by run control operations.
var (
	ErrRunNotFound = errors.New("run not found")
	ErrNotWaiting  = errors.New("run is not waiting for confirmation")
)

// Precondition codes carried by PreconditionError and the error event.
const (
	CodeAgentNotFound  = "agent_not_found"
	CodeInvalidAgent   = "invalid_agent"
	CodeCapacity       = "capacity"
	CodeServerNotFound = "server_not_found"
	CodeNoModel        = "no_model"
)

// PreconditionError reports a run that was rejected before it started.
type PreconditionError struct {
	Code    string
	Message string
}

func (e *PreconditionError) Error() string {
	return e.Message
}

// Streamer opens streaming chat completions. *llm.Client implements it.
type Streamer interface {
	OpenStream(ctx context.Context, request llm.ChatRequest) (*llm.Stream, error)
}

// ClientFunc returns the completion client for a server.
type ClientFunc func(server model.Server) Streamer

// Config holds orchestrator configuration.
// The zero value is usable.
type Config struct {
	// MaxConcurrentRuns caps live runs. Zero means DefaultMaxConcurrentRuns.
	MaxConcurrentRuns int

	// Exec is passed to the tool executor for every batch. Its StopOnError
	// is overridden by the agent's behavior.
	Exec tools.ExecOptions

	// ContextWindow, when set, bounds the history sent on every turn.
	ContextWindow *chatcontext.Options

	// CompleteOnMaxTurns reports runs that exhaust their turns as completed
	// instead of max_turns_exceeded.
	CompleteOnMaxTurns bool

	// AutoConfirm skips the confirmation wait for agents that require it.
	AutoConfirm bool

	// EventBuffer is the per-run event channel capacity.
	EventBuffer int

	// ClientFor selects the completion client. Defaults to a cached client
	// when the server directory provides one, else a fresh llm.Client.
	ClientFor ClientFunc

	Logger *slog.Logger
}

// Orchestrator runs agents against completion servers.
// Safe for concurrent use.
type Orchestrator struct {
	agents   *agent.Registry
	tools    *tools.Registry
	executor *tools.Executor
	servers  model.ServerDirectory
	config   Config
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*runState
}

// New creates an orchestrator.
func New(agents *agent.Registry, executor *tools.Executor, servers model.ServerDirectory, config Config) *Orchestrator {
	if config.MaxConcurrentRuns <= 0 {
		config.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultEventBuffer
	}
	if config.ClientFor == nil {
		config.ClientFor = defaultClientFor(servers)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		agents:   agents,
		tools:    executor.Registry(),
		executor: executor,
		servers:  servers,
		config:   config,
		logger:   logger,
		active:   make(map[string]*runState),
	}
}

// clientSource is implemented by directories that cache clients.
type clientSource interface {
	Client(server model.Server) *llm.Client
}

func defaultClientFor(servers model.ServerDirectory) ClientFunc {
	if src, ok := servers.(clientSource); ok {
		return func(server model.Server) Streamer { return src.Client(server) }
	}
	return func(server model.Server) Streamer {
		return llm.NewClient(llm.Config{BaseURL: server.URL, APIKey: server.APIKey})
	}
}

// Tools returns the tool registry runs draw from.
func (o *Orchestrator) Tools() *tools.Registry {
	return o.tools
}

// --- Agents ---

// RegisterAgent inserts or replaces an agent by id. The definition is
// validated when a run is admitted.
func (o *Orchestrator) RegisterAgent(def agent.Definition) {
	o.agents.Register(def)
}

// UnregisterAgent removes an agent. Returns whether it existed.
func (o *Orchestrator) UnregisterAgent(id string) bool {
	return o.agents.Unregister(id)
}

// GetAgent returns the agent with the given id.
func (o *Orchestrator) GetAgent(id string) (agent.Definition, bool) {
	return o.agents.Get(id)
}

// ListAgents returns all agents sorted by name.
func (o *Orchestrator) ListAgents() []agent.Definition {
	return o.agents.List()
}

// ListPresets returns the built-in agents.
func (o *Orchestrator) ListPresets() []agent.Definition {
	return o.agents.Presets()
}

// ListCustomAgents returns user-created agents.
func (o *Orchestrator) ListCustomAgents() []agent.Definition {
	return o.agents.Custom()
}

// CreateAgent stores a new custom agent.
func (o *Orchestrator) CreateAgent(def agent.Definition) (agent.Definition, error) {
	return o.agents.Create(def)
}

// UpdateAgent merges patch into a custom agent.
func (o *Orchestrator) UpdateAgent(id string, patch agent.Patch) (agent.Definition, error) {
	return o.agents.Update(id, patch)
}

// DeleteAgent removes a custom agent.
func (o *Orchestrator) DeleteAgent(id string) error {
	return o.agents.Delete(id)
}

// --- Runs ---

// runState is a live run. run is written only by the loop goroutine, under mu.
type runState struct {
	mu      sync.Mutex
	run     *Run
	cancel  context.CancelFunc
	confirm chan bool
}

func (s *runState) snapshot() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.Clone()
}

func (s *runState) update(fn func(r *Run)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.run)
}

// RunAgent starts a run and returns its event stream. The channel is closed
// after the last event. A rejected run delivers a single error event.
//
// Cancelling ctx cancels the run.
func (o *Orchestrator) RunAgent(ctx context.Context, agentID string, req RunRequest) <-chan Event {
	events := make(chan Event, o.config.EventBuffer)

	runCtx, def, state, client, err := o.admit(ctx, agentID, req)
	if err != nil {
		var pe *PreconditionError
		errors.As(err, &pe)
		metrics.RecordRunRejected(pe.Code)
		o.logger.Warn("run rejected", "agent_id", agentID, "reason", pe.Code)
		events <- newEvent(EventError, ErrorPayload{Code: pe.Code, Error: pe.Message})
		close(events)
		return events
	}

	l := &loop{
		o:        o,
		def:      def,
		state:    state,
		client:   client,
		events:   events,
		observer: ctx,
	}
	go l.run(runCtx)
	return events
}

// admit checks preconditions in order and reserves a slot. The returned
// context carries the run's deadline.
func (o *Orchestrator) admit(ctx context.Context, agentID string, req RunRequest) (context.Context, agent.Definition, *runState, Streamer, error) {
	def, ok := o.agents.Get(agentID)
	if !ok {
		return nil, def, nil, nil, &PreconditionError{Code: CodeAgentNotFound, Message: "Agent not found"}
	}
	// RegisterAgent stores definitions as given, so limits are checked here.
	if err := def.Validate(); err != nil {
		return nil, def, nil, nil, &PreconditionError{Code: CodeInvalidAgent, Message: err.Error()}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.active) >= o.config.MaxConcurrentRuns {
		return nil, def, nil, nil, &PreconditionError{Code: CodeCapacity, Message: "Maximum concurrent agent runs reached"}
	}
	server, ok := o.servers.ServerByID(req.ServerID)
	if !ok {
		return nil, def, nil, nil, &PreconditionError{Code: CodeServerNotFound, Message: "Server not found"}
	}
	modelName := req.Model
	if modelName == "" {
		modelName = def.Model.PreferredModel
	}
	if modelName == "" {
		return nil, def, nil, nil, &PreconditionError{Code: CodeNoModel, Message: "No model specified"}
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout := def.Behavior.RunTimeout(); timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	state := &runState{
		run: &Run{
			ID:        uuid.New().String(),
			AgentID:   def.ID,
			ServerID:  server.ID,
			Model:     modelName,
			Status:    StatusPending,
			Input:     req.Input,
			Steps:     []Step{},
			Messages:  initialMessages(def, req),
			StartedAt: time.Now().UTC(),
			Usage:     &TokenStats{},
		},
		cancel:  cancel,
		confirm: make(chan bool, 1),
	}
	o.active[state.run.ID] = state
	return runCtx, def, state, o.config.ClientFor(server), nil
}

func initialMessages(def agent.Definition, req RunRequest) []llm.ChatMessage {
	messages := make([]llm.ChatMessage, 0, len(req.History)+2)
	if def.SystemPrompt != "" {
		messages = append(messages, llm.SystemMessage(def.SystemPrompt))
	}
	messages = append(messages, req.History...)
	return append(messages, llm.UserMessage(req.Input))
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

// Run starts a run and waits for it to finish. A rejected run returns a
// *PreconditionError.
func (o *Orchestrator) Run(ctx context.Context, agentID string, req RunRequest) (*Run, error) {
	var final *Run
	var rejected *PreconditionError
	for ev := range o.RunAgent(ctx, agentID, req) {
		switch ev.Type {
		case EventDone:
			final, _ = ev.Data.(*Run)
		case EventError:
			if p, ok := ev.Data.(ErrorPayload); ok && p.Code != "" {
				rejected = &PreconditionError{Code: p.Code, Message: p.Error}
			}
		}
	}
	if final == nil {
		if rejected == nil {
			return nil, fmt.Errorf("run of agent %q ended without a result", agentID)
		}
		return nil, rejected
	}
	return final, nil
}

// CancelRun aborts a live run. The run ends as cancelled.
func (o *Orchestrator) CancelRun(id string) error {
	o.mu.Lock()
	state, ok := o.active[id]
	o.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	state.cancel()
	return nil
}

// Confirm answers a run waiting for tool confirmation. Rejecting cancels it.
func (o *Orchestrator) Confirm(id string, approve bool) error {
	o.mu.Lock()
	state, ok := o.active[id]
	o.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}

	var status RunStatus
	state.update(func(r *Run) { status = r.Status })
	if status != StatusWaitingConfirmation {
		return ErrNotWaiting
	}
	select {
	case state.confirm <- approve:
	default:
	}
	return nil
}

// GetRunStatus returns a snapshot of a live run.
func (o *Orchestrator) GetRunStatus(id string) (*Run, bool) {
	o.mu.Lock()
	state, ok := o.active[id]
	o.mu.Unlock()
	if !ok {
		return nil, false
	}
	return state.snapshot(), true
}

// ListActiveRuns returns snapshots of live runs, oldest first.
func (o *Orchestrator) ListActiveRuns() []*Run {
	o.mu.Lock()
	states := make([]*runState, 0, len(o.active))
	for _, s := range o.active {
		states = append(states, s)
	}
	o.mu.Unlock()

	runs := make([]*Run, 0, len(states))
	for _, s := range states {
		runs = append(runs, s.snapshot())
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs
}

func newEvent(t EventType, data any) Event {
	return Event{Type: t, Data: data, Timestamp: time.Now().UTC()}
}
