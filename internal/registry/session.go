package registry

import (
	"context"

	"github.com/google/uuid"

	"github.com/agentwatch/agentwatch/internal/agent"
	"github.com/agentwatch/agentwatch/internal/apperr"
	"github.com/agentwatch/agentwatch/internal/sanitize"
)

// Session is an open per-agent critical section: EventRouter calls Enter,
// applies zero or more mutations, publishes its broadcast messages while
// the section is still held, then calls Release. Publishing before Release
// is what makes per-agent delivery FIFO: a second event for the same agent
// cannot enter its own critical section, and therefore cannot publish,
// until the first event's Release runs.
type Session struct {
	r   *Registry
	e   *entry
	ctx context.Context
}

// Enter acquires id's critical section, auto-registering with seed to Idle
// if the agent does not yet exist and seed is non-nil. If seed is nil and
// id is unknown, Enter returns NotFound.
//
// The caller must call Release exactly once to unlock the section.
func (r *Registry) Enter(ctx context.Context, id string, seed *RegisterRequest) (sess *Session, created bool, err error) {
	e := r.getOrCreate(id)
	e.mu.Lock()
	if e.agent == nil {
		if seed == nil {
			e.mu.Unlock()
			return nil, false, apperr.New(apperr.NotFound, "agent not found: "+id)
		}
		ts := r.now()
		tags := make(map[string]struct{}, len(seed.Tags))
		for _, t := range seed.Tags {
			tags[t] = struct{}{}
		}
		e.agent = &agent.Agent{
			ID:           id,
			Status:       agent.StatusIdle,
			ProjectPath:  seed.ProjectPath,
			ParentID:     seed.ParentID,
			Context:      sanitize.Map(seed.Context, r.sanOpts),
			Tags:         tags,
			Created:      ts,
			LastActivity: ts,
		}
		created = true
	}
	return &Session{r: r, e: e, ctx: ctx}, created, nil
}

// Agent returns the live agent record for the duration of the session.
// Callers must not retain the pointer past Release; use Clone() for that.
func (s *Session) Agent() *agent.Agent { return s.e.agent }

// SetStatus applies a status transition. A request to move to the current
// status is a no-op (changed=false, err=nil): this lets log-only events
// call SetStatus with the agent's own status without tripping
// InvalidTransition. A genuinely disallowed edge returns
// apperr.InvalidTransition and leaves the status unchanged.
func (s *Session) SetStatus(newStatus agent.Status) (changed bool, err error) {
	a := s.e.agent
	if a.Status == newStatus {
		return false, nil
	}
	if !agent.ValidTransition(a.Status, newStatus) {
		return false, apperr.New(apperr.InvalidTransition, "cannot move from "+string(a.Status)+" to "+string(newStatus))
	}
	a.Status = newStatus
	return true, nil
}

// AppendLog appends a log entry using the registry's clock and sanitizer,
// enforcing the ring cap.
func (s *Session) AppendLog(level agent.Level, message string, metadata map[string]any) agent.LogEntry {
	a := s.e.agent
	entry := agent.LogEntry{
		ID:        uuid.NewString(),
		Timestamp: s.r.now(),
		Level:     level,
		Message:   message,
		Metadata:  sanitize.Map(metadata, s.r.sanOpts),
	}
	a.Logs = appendRing(a.Logs, entry, s.r.maxLogs)
	a.LastActivity = entry.Timestamp
	return entry
}

// MergeContext shallow-merges a sanitized patch into the agent's context.
func (s *Session) MergeContext(patch map[string]any) {
	a := s.e.agent
	if a.Context == nil {
		a.Context = make(map[string]any)
	}
	for k, v := range sanitize.Map(patch, s.r.sanOpts) {
		a.Context[k] = v
	}
}

// Release persists the agent's current state and unlocks the critical
// section. Callers must have already published any broadcast messages
// before calling Release, so publish order matches critical-section entry
// order.
func (s *Session) Release() error {
	defer s.e.mu.Unlock()
	if err := s.r.persist(s.ctx, s.e.agent); err != nil {
		return err
	}
	return nil
}
