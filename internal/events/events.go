// Package events models the hook wire format as a closed set of canonical
// event kinds plus a Generic fallback, validated once at the ingestion
// boundary rather than passed around as an untyped map.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentwatch/agentwatch/internal/apperr"
)

// Kind is a canonical event kind. Generic covers any unrecognized wire type;
// it carries no kind-specific validation.
type Kind string

const (
	AgentStarted     Kind = "AgentStarted"
	AgentStopped     Kind = "AgentStopped"
	AgentErrored     Kind = "AgentErrored"
	ToolPre          Kind = "ToolPre"
	ToolPost         Kind = "ToolPost"
	ContextUpdated   Kind = "ContextUpdated"
	TaskStarted      Kind = "TaskStarted"
	TaskCompleted    Kind = "TaskCompleted"
	Notification     Kind = "Notification"
	SubagentStopped  Kind = "SubagentStopped"
	ConversationStart Kind = "ConversationStart"
	ConversationEnd  Kind = "ConversationEnd"
	Generic          Kind = "Generic"
)

// wireKindToCanonical maps every recognized wire "type" string to its
// canonical Kind. Unrecognized strings normalize to Generic.
var wireKindToCanonical = map[string]Kind{
	"agent.started":      AgentStarted,
	"agent.stopped":      AgentStopped,
	"agent.error":        AgentErrored,
	"tool.pre_use":       ToolPre,
	"tool.post_use":      ToolPost,
	"context.updated":    ContextUpdated,
	"task.started":       TaskStarted,
	"task.completed":     TaskCompleted,
	"conversation_start": ConversationStart,
	"conversation_end":   ConversationEnd,
	"notification":       Notification,
	"subagent_stop":      SubagentStopped,
}

// Envelope is the raw, as-received hook payload.
type Envelope struct {
	Type      string          `json:"type"`
	AgentID   string          `json:"agentId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Event is the normalized, canonical-kind form of an ingested envelope,
// ready for EventRouter to apply. ClientTimestamp is retained only for
// forensic purposes; client clocks are not trusted, so registry-assigned
// timestamps govern ordering and storage.
type Event struct {
	Kind            Kind
	AgentID         string
	ClientTimestamp time.Time
	RawType         string
	Data            map[string]any
}

// Parse validates structural requirements and normalizes raw into an
// Event. A malformed envelope (unparseable JSON, missing agent id or type,
// a data field that is not an object, or a kind-specific required field
// that is absent or empty) returns apperr.Validation and must not mutate any
// state. Field values are not checked against a fixed set: a notification's
// level may be any non-empty string.
func Parse(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, apperr.Wrap(apperr.Validation, "malformed envelope", err)
	}
	if env.AgentID == "" {
		return Event{}, apperr.New(apperr.Validation, "agentId is required")
	}
	if env.Type == "" {
		return Event{}, apperr.New(apperr.Validation, "type is required")
	}

	var data map[string]any
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Event{}, apperr.Wrap(apperr.Validation, "malformed data field", err)
		}
	}

	kind, ok := wireKindToCanonical[env.Type]
	if !ok {
		kind = Generic
	}

	if err := validateKindData(kind, data); err != nil {
		return Event{}, err
	}

	return Event{
		Kind:            kind,
		AgentID:         env.AgentID,
		ClientTimestamp: env.Timestamp,
		RawType:         env.Type,
		Data:            data,
	}, nil
}

func validateKindData(kind Kind, data map[string]any) error {
	switch kind {
	case AgentErrored:
		if !hasStringField(data, "error") {
			return apperr.New(apperr.Validation, "agent.error requires data.error")
		}
	case ToolPre:
		if !hasStringField(data, "tool_name") {
			return apperr.New(apperr.Validation, "tool.pre_use requires data.tool_name")
		}
	case ToolPost:
		if !hasStringField(data, "tool_name") {
			return apperr.New(apperr.Validation, "tool.post_use requires data.tool_name")
		}
	case ContextUpdated:
		if _, ok := mapField(data, "context"); !ok {
			return apperr.New(apperr.Validation, "context.updated requires data.context (map)")
		}
	case TaskStarted, TaskCompleted:
		if !hasStringField(data, "task") {
			return apperr.New(apperr.Validation, fmt.Sprintf("%s requires data.task", kind))
		}
	case Notification:
		if !hasStringField(data, "level") || !hasStringField(data, "message") {
			return apperr.New(apperr.Validation, "notification requires data.level and data.message")
		}
	}
	return nil
}

func hasStringField(data map[string]any, key string) bool {
	v, ok := data[key]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s != ""
}

func mapField(data map[string]any, key string) (map[string]any, bool) {
	v, ok := data[key]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// StringField returns data[key] as a string, or "" if absent/wrong type.
func StringField(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// MapField returns data[key] as a map, or nil if absent/wrong type.
func MapField(data map[string]any, key string) map[string]any {
	m, _ := mapField(data, key)
	return m
}
