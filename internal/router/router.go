// Package router implements the EventRouter: it normalizes ingested hook
// events and applies them to the AgentRegistry, broadcasting the resulting
// state change before releasing the agent's critical section so that
// per-agent delivery order matches the order mutations actually happened
// in.
package router

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentwatch/agentwatch/internal/agent"
	"github.com/agentwatch/agentwatch/internal/apperr"
	"github.com/agentwatch/agentwatch/internal/broadcast"
	"github.com/agentwatch/agentwatch/internal/events"
	"github.com/agentwatch/agentwatch/internal/registry"
	"github.com/agentwatch/agentwatch/internal/telemetry"
)

var tracer = otel.Tracer("github.com/agentwatch/agentwatch/internal/router")

// Router composes a Registry and a Broadcaster: every mutation it applies,
// whether from an ingested hook event or a direct API call, is broadcast
// under the same agent's critical section that produced it.
type Router struct {
	reg *registry.Registry
	bc  *broadcast.Broadcaster
}

// New constructs a Router over reg and bc.
func New(reg *registry.Registry, bc *broadcast.Broadcaster) *Router {
	return &Router{reg: reg, bc: bc}
}

// Outcome summarizes what Dispatch did, useful for logging and tests.
type Outcome struct {
	AgentID       string
	Kind          events.Kind
	Created       bool
	StatusChanged bool
	NewStatus     agent.Status
}

// Dispatch parses raw into an Event and applies it:
//  1. parse and validate the envelope
//  2. sanitize happens inside the registry as data is written
//  3. enter the agent's critical section, auto-registering if unknown
//  4. derive and apply any status transition the event kind implies
//  5. append a log entry describing the event
//  6. merge context for ContextUpdated events
//  7. publish the resulting change to the agent, project, and all topics
//  8. release the critical section, persisting the final state
//
// Publish happens before Release so that two events for the same agent are
// delivered to subscribers in the order they entered their critical
// sections, never reordered by persistence latency.
func (rt *Router) Dispatch(ctx context.Context, raw []byte) (out Outcome, err error) {
	ev, err := events.Parse(raw)
	if err != nil {
		telemetry.EventsTotal.WithLabelValues("unknown", string(apperr.CodeOf(err))).Inc()
		return Outcome{}, err
	}

	ctx, span := tracer.Start(ctx, "router.dispatch",
		trace.WithAttributes(attribute.String("agent.id", ev.AgentID), attribute.String("event.kind", string(ev.Kind))))
	defer func() {
		span.End()
		result := "ok"
		if err != nil {
			result = string(apperr.CodeOf(err))
		}
		telemetry.EventsTotal.WithLabelValues(string(ev.Kind), result).Inc()
	}()

	seed := &registry.RegisterRequest{
		ID:          ev.AgentID,
		ProjectPath: events.StringField(ev.Data, "projectPath"),
	}

	sess, created, err := rt.reg.Enter(ctx, ev.AgentID, seed)
	if err != nil {
		return Outcome{}, err
	}

	out = Outcome{AgentID: ev.AgentID, Kind: ev.Kind, Created: created}

	if target, ok := deriveStatus(ev); ok {
		changed, terr := sess.SetStatus(target)
		switch {
		case terr != nil && apperr.CodeOf(terr) == apperr.InvalidTransition:
			// Router-driven transitions are advisory: a late event against a
			// terminal or incompatible status is still logged, it just
			// doesn't move the needle. Only explicit API calls reject on
			// InvalidTransition (see Router.UpdateStatus).
			out.NewStatus = sess.Agent().Status
		case terr != nil:
			_ = sess.Release()
			return Outcome{}, terr
		default:
			out.StatusChanged = changed
			out.NewStatus = target
		}
	} else {
		out.NewStatus = sess.Agent().Status
	}

	entry := sess.AppendLog(logLevelFor(ev), logMessageFor(ev), ev.Data)

	if ev.Kind == events.ContextUpdated {
		sess.MergeContext(events.MapField(ev.Data, "context"))
	}

	a := sess.Agent().Clone()
	rt.publishUpdate(ctx, a, entry)

	if err := sess.Release(); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// deriveStatus maps an event kind to the status it implies, if any. Kinds
// that only append a log entry or merge context (Notification,
// SubagentStopped, ContextUpdated, Generic) leave status untouched.
func deriveStatus(ev events.Event) (agent.Status, bool) {
	switch ev.Kind {
	case events.AgentStarted, events.ConversationStart:
		return agent.StatusActive, true
	case events.ToolPre, events.ToolPost, events.TaskStarted, events.TaskCompleted:
		return agent.StatusActive, true
	case events.AgentErrored:
		return agent.StatusError, true
	case events.AgentStopped, events.ConversationEnd:
		return agent.StatusComplete, true
	default:
		return "", false
	}
}

func logLevelFor(ev events.Event) agent.Level {
	switch ev.Kind {
	case events.AgentErrored:
		return agent.LevelError
	case events.Notification:
		switch events.StringField(ev.Data, "level") {
		case "warn":
			return agent.LevelWarn
		case "error":
			return agent.LevelError
		case "debug":
			return agent.LevelDebug
		default:
			return agent.LevelInfo
		}
	default:
		return agent.LevelInfo
	}
}

func logMessageFor(ev events.Event) string {
	switch ev.Kind {
	case events.AgentErrored:
		return events.StringField(ev.Data, "error")
	case events.ToolPre:
		return "tool use: " + events.StringField(ev.Data, "tool_name")
	case events.ToolPost:
		return "tool result: " + events.StringField(ev.Data, "tool_name")
	case events.TaskStarted:
		return "task started: " + events.StringField(ev.Data, "task")
	case events.TaskCompleted:
		return "task completed: " + events.StringField(ev.Data, "task")
	case events.Notification:
		return events.StringField(ev.Data, "message")
	case events.SubagentStopped:
		return "subagent stopped"
	case events.ConversationStart:
		return "conversation started"
	case events.ConversationEnd:
		return "conversation ended"
	case events.ContextUpdated:
		return "context updated"
	case events.AgentStarted:
		return "agent started"
	case events.AgentStopped:
		return "agent stopped"
	default:
		return fmt.Sprintf("event: %s", ev.RawType)
	}
}

func (rt *Router) publishUpdate(ctx context.Context, a *agent.Agent, entry agent.LogEntry) {
	msg := broadcast.Message{
		Kind:    broadcast.KindEvent,
		AgentID: a.ID,
		Payload: struct {
			Agent *agent.Agent    `json:"agent"`
			Entry agent.LogEntry `json:"logEntry"`
		}{Agent: a, Entry: entry},
		Timestamp: time.Now().UTC(),
	}
	rt.bc.Publish(ctx, broadcast.AgentTopic(a.ID), msg)
	if a.ProjectPath != "" {
		rt.bc.Publish(ctx, broadcast.ProjectTopic(a.ProjectPath), msg)
	}
	rt.bc.Publish(ctx, broadcast.All, msg)
}

func (rt *Router) publishTombstone(ctx context.Context, a *agent.Agent) {
	msg := broadcast.Message{
		Kind:      broadcast.KindTombstone,
		AgentID:   a.ID,
		Payload:   a,
		Timestamp: time.Now().UTC(),
	}
	rt.bc.Publish(ctx, broadcast.AgentTopic(a.ID), msg)
	if a.ProjectPath != "" {
		rt.bc.Publish(ctx, broadcast.ProjectTopic(a.ProjectPath), msg)
	}
	rt.bc.Publish(ctx, broadcast.All, msg)
}

// Register explicitly registers an agent (the HTTP command endpoint path,
// as opposed to implicit registration via Dispatch) and broadcasts it.
func (rt *Router) Register(ctx context.Context, req registry.RegisterRequest) (*agent.Agent, error) {
	a, err := rt.reg.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	rt.publishUpdate(ctx, a, agent.LogEntry{})
	return a, nil
}

// UpdateStatus applies a direct status change via the HTTP command endpoint
// and broadcasts the result.
func (rt *Router) UpdateStatus(ctx context.Context, id string, status agent.Status) (*agent.Agent, error) {
	a, err := rt.reg.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	rt.publishUpdate(ctx, a, agent.LogEntry{})
	return a, nil
}

// UpdateContext applies a direct context patch via the HTTP command
// endpoint and broadcasts the result.
func (rt *Router) UpdateContext(ctx context.Context, id string, patch map[string]any) (*agent.Agent, error) {
	a, err := rt.reg.UpdateContext(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	rt.publishUpdate(ctx, a, agent.LogEntry{})
	return a, nil
}

// AppendLog appends a log entry via the HTTP command endpoint and
// broadcasts the result.
func (rt *Router) AppendLog(ctx context.Context, id string, level agent.Level, message string, metadata map[string]any) (agent.LogEntry, error) {
	entry, err := rt.reg.AppendLog(ctx, id, level, message, metadata)
	if err != nil {
		return agent.LogEntry{}, err
	}
	a, err := rt.reg.Get(ctx, id)
	if err != nil {
		return agent.LogEntry{}, err
	}
	rt.publishUpdate(ctx, a, entry)
	return entry, nil
}

// Delete removes an agent and broadcasts a tombstone if it existed.
func (rt *Router) Delete(ctx context.Context, id string) (bool, error) {
	a, existed, err := rt.reg.Delete(ctx, id)
	if err != nil {
		return existed, err
	}
	if existed {
		rt.publishTombstone(ctx, a)
	}
	return existed, nil
}

// Get returns a snapshot of id.
func (rt *Router) Get(ctx context.Context, id string) (*agent.Agent, error) { return rt.reg.Get(ctx, id) }

// List filters agents per q.
func (rt *Router) List(ctx context.Context, q registry.Query) []*agent.Agent { return rt.reg.List(ctx, q) }

// Hierarchy returns the parent-to-children adjacency rooted at rootID.
func (rt *Router) Hierarchy(ctx context.Context, rootID string) map[string][]string {
	return rt.reg.Hierarchy(ctx, rootID)
}

// Count returns the number of agents currently registered.
func (rt *Router) Count() int { return rt.reg.Count() }

// Reconcile rebuilds registry state from the store at startup.
func (rt *Router) Reconcile(ctx context.Context) error { return rt.reg.Reconcile(ctx) }
