// Package registry implements the AgentRegistry: the authoritative
// in-process map of agent id to Agent, layered over a Store, serializing
// mutations per agent id via a striped mutex table rather than a single
// global lock or a goroutine-per-agent actor.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentwatch/agentwatch/internal/agent"
	"github.com/agentwatch/agentwatch/internal/apperr"
	"github.com/agentwatch/agentwatch/internal/sanitize"
	"github.com/agentwatch/agentwatch/internal/store"
	"github.com/agentwatch/agentwatch/internal/telemetry"
)

var tracer = otel.Tracer("github.com/agentwatch/agentwatch/internal/registry")

// RegisterRequest carries the fields an explicit or implicit registration
// may seed.
type RegisterRequest struct {
	ID          string
	ProjectPath string
	ParentID    string
	Context     map[string]any
	Tags        []string
}

// entry pairs one Agent with the mutex that is its per-agent critical
// section.
type entry struct {
	mu    sync.Mutex
	agent *agent.Agent
}

// Registry is the AgentRegistry. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	store   store.Store
	maxLogs int
	sanOpts sanitize.Options

	clockMu sync.Mutex
	lastTS  time.Time
}

// New constructs a Registry backed by s, enforcing maxLogs as the ring
// capacity and sanOpts for every map sanitized on write.
func New(s store.Store, maxLogs int, sanOpts sanitize.Options) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		store:   s,
		maxLogs: maxLogs,
		sanOpts: sanOpts,
	}
}

// now returns a strictly monotonically increasing timestamp across the
// whole registry, assigned under a dedicated lock independent of any
// per-agent critical section. Process-wide monotonicity is stronger than
// strictly needed (only per-agent monotonicity matters for ordering) but
// is simple to provide and implies the weaker per-agent guarantee.
func (r *Registry) now() time.Time {
	r.clockMu.Lock()
	defer r.clockMu.Unlock()
	t := time.Now().UTC()
	if !t.After(r.lastTS) {
		t = r.lastTS.Add(time.Nanosecond)
	}
	r.lastTS = t
	return t
}

func (r *Registry) getOrCreate(id string) *entry {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[id]; ok {
		return e
	}
	e = &entry{}
	r.entries[id] = e
	return e
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) persist(ctx context.Context, a *agent.Agent) error {
	if err := r.store.Save(ctx, a); err != nil {
		return apperr.Wrap(apperr.Transient, "store save failed", err)
	}
	return nil
}

func record(op string, err error) {
	result := "ok"
	if err != nil {
		result = string(apperr.CodeOf(err))
	}
	telemetry.RegistryOpsTotal.WithLabelValues(op, result).Inc()
}

// Register creates an agent with initial status Idle. Re-registering an
// existing id is idempotent: the existing agent is returned unchanged
// except for an appended info log noting the re-registration.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (a *agent.Agent, err error) {
	ctx, span := tracer.Start(ctx, "registry.register", trace.WithAttributes(attribute.String("agent.id", req.ID)))
	defer func() { span.End(); record("register", err) }()

	if req.ID == "" {
		return nil, apperr.New(apperr.Validation, "agent id is required")
	}

	e := r.getOrCreate(req.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.agent != nil {
		ts := r.now()
		e.agent.LastActivity = ts
		e.agent.Logs = appendRing(e.agent.Logs, agent.LogEntry{
			ID: uuid.NewString(), Timestamp: ts, Level: agent.LevelInfo,
			Message: "agent re-registered",
		}, r.maxLogs)
		if err := r.persist(ctx, e.agent); err != nil {
			return nil, err
		}
		return e.agent.Clone(), nil
	}

	ts := r.now()
	tags := make(map[string]struct{}, len(req.Tags))
	for _, t := range req.Tags {
		tags[t] = struct{}{}
	}
	e.agent = &agent.Agent{
		ID:           req.ID,
		Status:       agent.StatusIdle,
		ProjectPath:  req.ProjectPath,
		ParentID:     req.ParentID,
		Context:      sanitize.Map(req.Context, r.sanOpts),
		Tags:         tags,
		Created:      ts,
		LastActivity: ts,
	}
	if err := r.persist(ctx, e.agent); err != nil {
		e.agent = nil
		return nil, err
	}
	return e.agent.Clone(), nil
}

// UpdateStatus applies the agent status transition rules. It fails with
// NotFound if id is unknown (callers that want auto-registration should use
// Enter instead) and InvalidTransition for disallowed edges.
func (r *Registry) UpdateStatus(ctx context.Context, id string, newStatus agent.Status) (a *agent.Agent, err error) {
	ctx, span := tracer.Start(ctx, "registry.update_status", trace.WithAttributes(attribute.String("agent.id", id)))
	defer func() { span.End(); record("update_status", err) }()

	e, ok := r.lookup(id)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "agent not found: "+id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.agent == nil {
		return nil, apperr.New(apperr.NotFound, "agent not found: "+id)
	}
	if e.agent.Status == newStatus {
		return e.agent.Clone(), nil
	}
	if !agent.ValidTransition(e.agent.Status, newStatus) {
		return nil, apperr.New(apperr.InvalidTransition, "cannot move from "+string(e.agent.Status)+" to "+string(newStatus))
	}
	e.agent.Status = newStatus
	e.agent.LastActivity = r.now()
	if err := r.persist(ctx, e.agent); err != nil {
		return nil, err
	}
	return e.agent.Clone(), nil
}

// AppendLog appends entry to id's log ring, evicting the oldest entry on
// overflow. The entry's id and timestamp are assigned by the registry's own
// clock, never the caller's.
func (r *Registry) AppendLog(ctx context.Context, id string, level agent.Level, message string, metadata map[string]any) (le agent.LogEntry, err error) {
	ctx, span := tracer.Start(ctx, "registry.append_log", trace.WithAttributes(attribute.String("agent.id", id)))
	defer func() { span.End(); record("append_log", err) }()

	e, ok := r.lookup(id)
	if !ok {
		return agent.LogEntry{}, apperr.New(apperr.NotFound, "agent not found: "+id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.agent == nil {
		return agent.LogEntry{}, apperr.New(apperr.NotFound, "agent not found: "+id)
	}
	entry := agent.LogEntry{
		ID:        uuid.NewString(),
		Timestamp: r.now(),
		Level:     level,
		Message:   message,
		Metadata:  sanitize.Map(metadata, r.sanOpts),
	}
	e.agent.Logs = appendRing(e.agent.Logs, entry, r.maxLogs)
	e.agent.LastActivity = entry.Timestamp
	if err := r.persist(ctx, e.agent); err != nil {
		return agent.LogEntry{}, err
	}
	return entry, nil
}

// UpdateContext shallow-merges a sanitized patch into id's context.
func (r *Registry) UpdateContext(ctx context.Context, id string, patch map[string]any) (a *agent.Agent, err error) {
	ctx, span := tracer.Start(ctx, "registry.update_context", trace.WithAttributes(attribute.String("agent.id", id)))
	defer func() { span.End(); record("update_context", err) }()

	e, ok := r.lookup(id)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "agent not found: "+id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.agent == nil {
		return nil, apperr.New(apperr.NotFound, "agent not found: "+id)
	}
	if e.agent.Context == nil {
		e.agent.Context = make(map[string]any)
	}
	for k, v := range sanitize.Map(patch, r.sanOpts) {
		e.agent.Context[k] = v
	}
	e.agent.LastActivity = r.now()
	if err := r.persist(ctx, e.agent); err != nil {
		return nil, err
	}
	return e.agent.Clone(), nil
}

// Get returns a snapshot of id, or NotFound.
func (r *Registry) Get(_ context.Context, id string) (*agent.Agent, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "agent not found: "+id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.agent == nil {
		return nil, apperr.New(apperr.NotFound, "agent not found: "+id)
	}
	return e.agent.Clone(), nil
}

// Query filters List results.
type Query struct {
	ProjectPath string
	Status      agent.Status
	ParentID    string
	Tag         string
	Search      string
	Limit       int
	Offset      int
}

// List takes a read-only snapshot of every agent and applies q. It never
// holds a per-agent lock across another agent's read.
func (r *Registry) List(_ context.Context, q Query) []*agent.Agent {
	snapshot := r.snapshot()

	filtered := make([]*agent.Agent, 0, len(snapshot))
	for _, a := range snapshot {
		if q.ProjectPath != "" && a.ProjectPath != q.ProjectPath {
			continue
		}
		if q.Status != "" && a.Status != q.Status {
			continue
		}
		if q.ParentID != "" && a.ParentID != q.ParentID {
			continue
		}
		if q.Tag != "" && !a.HasTag(q.Tag) {
			continue
		}
		if q.Search != "" && !matchesSearch(a, q.Search) {
			continue
		}
		filtered = append(filtered, a)
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Created.Before(filtered[j].Created) })

	if q.Offset > 0 {
		if q.Offset >= len(filtered) {
			return nil
		}
		filtered = filtered[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(filtered) {
		filtered = filtered[:q.Limit]
	}
	return filtered
}

func matchesSearch(a *agent.Agent, needle string) bool {
	needle = strings.ToLower(needle)
	if strings.Contains(strings.ToLower(a.ID), needle) {
		return true
	}
	for t := range a.Tags {
		if strings.Contains(strings.ToLower(t), needle) {
			return true
		}
	}
	const lastN = 20
	start := 0
	if len(a.Logs) > lastN {
		start = len(a.Logs) - lastN
	}
	for _, l := range a.Logs[start:] {
		if strings.Contains(strings.ToLower(l.Message), needle) {
			return true
		}
	}
	return false
}

func (r *Registry) snapshot() []*agent.Agent {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*agent.Agent, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.agent != nil {
			out = append(out, e.agent.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// Hierarchy returns the parent-to-children adjacency for the subtree rooted
// at rootID, or the entire forest if rootID is empty. Parent cycles should
// never occur, but a corrupted store could still contain one; walk breaks
// any cycle by never visiting the same id twice.
func (r *Registry) Hierarchy(_ context.Context, rootID string) map[string][]string {
	snapshot := r.snapshot()
	children := make(map[string][]string)
	for _, a := range snapshot {
		if a.ParentID != "" {
			children[a.ParentID] = append(children[a.ParentID], a.ID)
		}
	}
	for _, kids := range children {
		sort.Strings(kids)
	}
	if rootID == "" {
		return children
	}
	out := make(map[string][]string)
	visited := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		kids, ok := children[id]
		if !ok {
			return
		}
		out[id] = kids
		for _, k := range kids {
			walk(k)
		}
	}
	walk(rootID)
	return out
}

// Delete removes id from the registry and the backing store. It returns
// the last known snapshot and whether the agent existed, so callers (the
// HTTP command endpoint, the retention worker) can emit a tombstone
// broadcast without a second lookup.
func (r *Registry) Delete(ctx context.Context, id string) (a *agent.Agent, existed bool, err error) {
	ctx, span := tracer.Start(ctx, "registry.delete", trace.WithAttributes(attribute.String("agent.id", id)))
	defer func() { span.End(); record("delete", err) }()

	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	e.mu.Lock()
	snap := e.agent
	e.agent = nil
	e.mu.Unlock()
	if snap == nil {
		return nil, false, nil
	}

	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()

	if err := r.store.Delete(ctx, id); err != nil {
		return snap.Clone(), true, apperr.Wrap(apperr.Transient, "store delete failed", err)
	}
	return snap.Clone(), true, nil
}

// Reconcile repopulates the registry from the Store, used at startup to
// rebuild in-memory state after a restart.
func (r *Registry) Reconcile(ctx context.Context) error {
	agents, err := r.store.LoadAll(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "store load-all failed", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		r.entries[a.ID] = &entry{agent: a}
		if a.LastActivity.After(r.lastTS) {
			r.lastTS = a.LastActivity
		}
	}
	return nil
}

// Count returns the number of agents currently registered, used by the
// /health endpoint.
func (r *Registry) Count() int {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.agent != nil {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func appendRing(logs []agent.LogEntry, entry agent.LogEntry, maxLogs int) []agent.LogEntry {
	logs = append(logs, entry)
	if maxLogs > 0 && len(logs) > maxLogs {
		logs = logs[len(logs)-maxLogs:]
	}
	return logs
}
