package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	raw := map[string]any{
		"goal":        "book_service",
		"goal_params": map[string]any{"service": "Haircut"},
		"context":     map[string]any{"last_topic": "prices"},
		"step":        float64(2),
	}

	s := StateFromMap(raw)
	require.NotNil(t, s.Goal)
	assert.Equal(t, "book_service", s.GoalName())
	assert.Equal(t, "Haircut", s.GoalParams["service"])
	assert.Equal(t, float64(2), s.Extra["step"])

	out := s.Map()
	assert.Equal(t, raw, out)

	// the stored value is a copy
	out["goal_params"].(map[string]any)["service"] = "Nails"
	assert.Equal(t, "Haircut", raw["goal_params"].(map[string]any)["service"])
}

func TestNextRetiresGoalOnTerminalOutcome(t *testing.T) {
	stored := StateFromMap(map[string]any{"goal": "book_service"})
	updated := map[string]any{
		"goal":        "collect_time",
		"goal_params": map[string]any{"date": "2025-09-10"},
		"context":     map[string]any{"vip": true},
	}

	for _, o := range []Outcome{OutcomeBookingConfirmed, OutcomeHandoff} {
		next := Next(stored, updated, o)
		assert.Nil(t, next.Goal, string(o))
		assert.Empty(t, next.GoalParams)
		assert.Equal(t, true, next.Context["vip"])
		assert.Nil(t, next.Map()["goal"])
	}
}

func TestNextKeepsStoredWhenNothingUpdated(t *testing.T) {
	stored := StateFromMap(map[string]any{"goal": "book_service"})

	next := Next(stored, nil, OutcomeInquiry)
	assert.Equal(t, "book_service", next.GoalName())

	next = Next(stored, map[string]any{"goal": "ask_price"}, OutcomeInquiry)
	assert.Equal(t, "ask_price", next.GoalName())
}
