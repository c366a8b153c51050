package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusIdle, StatusActive, true},
		{StatusIdle, StatusHandoff, false},
		{StatusIdle, StatusComplete, false},
		{StatusIdle, StatusError, false},
		{StatusActive, StatusActive, true},
		{StatusActive, StatusHandoff, true},
		{StatusActive, StatusComplete, true},
		{StatusActive, StatusError, true},
		{StatusActive, StatusIdle, false},
		{StatusHandoff, StatusActive, true},
		{StatusHandoff, StatusComplete, false},
		{StatusError, StatusActive, true},
		{StatusError, StatusComplete, false},
		{StatusComplete, StatusActive, false},
		{StatusComplete, StatusIdle, false},
		{StatusComplete, StatusComplete, false},
	}
	for _, c := range cases {
		got := ValidTransition(c.from, c.to)
		assert.Equalf(t, c.want, got, "%s -> %s", c.from, c.to)
	}
}

func TestValidTransitionUnknownFrom(t *testing.T) {
	assert.False(t, ValidTransition(Status("bogus"), StatusActive))
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusIdle.Valid())
	assert.True(t, StatusComplete.Valid())
	assert.False(t, Status("bogus").Valid())
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusComplete.Terminal())
	assert.False(t, StatusError.Terminal())
	assert.False(t, StatusActive.Terminal())
}
