package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwatch/agentwatch/internal/apperr"
)

func TestParseNormalizesKnownWireTypes(t *testing.T) {
	raw := `{"type":"tool.pre_use","agentId":"a1","data":{"tool_name":"bash"}}`
	ev, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, ToolPre, ev.Kind)
	assert.Equal(t, "a1", ev.AgentID)
	assert.Equal(t, "bash", StringField(ev.Data, "tool_name"))
}

func TestParseUnknownTypeNormalizesToGeneric(t *testing.T) {
	raw := `{"type":"some.custom.hook","agentId":"a1"}`
	ev, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, Generic, ev.Kind)
	assert.Equal(t, "some.custom.hook", ev.RawType)
}

func TestParseRejectsMissingAgentID(t *testing.T) {
	_, err := Parse([]byte(`{"type":"agent.started"}`))
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.CodeOf(err))
}

func TestParseRejectsMissingType(t *testing.T) {
	_, err := Parse([]byte(`{"agentId":"a1"}`))
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.CodeOf(err))
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.CodeOf(err))
}

func TestParseRejectsMalformedData(t *testing.T) {
	_, err := Parse([]byte(`{"type":"agent.started","agentId":"a1","data":"not an object"}`))
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.CodeOf(err))
}

func TestParseKindSpecificRequiredFields(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"agent.error missing error", `{"type":"agent.error","agentId":"a1","data":{}}`, true},
		{"agent.error with error", `{"type":"agent.error","agentId":"a1","data":{"error":"boom"}}`, false},
		{"tool.pre_use missing tool_name", `{"type":"tool.pre_use","agentId":"a1","data":{}}`, true},
		{"tool.post_use missing tool_name", `{"type":"tool.post_use","agentId":"a1","data":{}}`, true},
		{"context.updated missing context", `{"type":"context.updated","agentId":"a1","data":{}}`, true},
		{"context.updated with context", `{"type":"context.updated","agentId":"a1","data":{"context":{"k":"v"}}}`, false},
		{"task.started missing task", `{"type":"task.started","agentId":"a1","data":{}}`, true},
		{"task.completed with task", `{"type":"task.completed","agentId":"a1","data":{"task":"build"}}`, false},
		{"notification missing fields", `{"type":"notification","agentId":"a1","data":{"level":"info"}}`, true},
		{"notification complete", `{"type":"notification","agentId":"a1","data":{"level":"info","message":"hi"}}`, false},
	}
	for _, c := range cases {
		_, err := Parse([]byte(c.raw))
		if c.wantErr {
			assert.Errorf(t, err, c.name)
		} else {
			assert.NoErrorf(t, err, c.name)
		}
	}
}

func TestStringFieldAndMapFieldMissing(t *testing.T) {
	assert.Equal(t, "", StringField(nil, "x"))
	assert.Nil(t, MapField(nil, "x"))
	assert.Equal(t, "", StringField(map[string]any{"x": 5}, "x"))
}
