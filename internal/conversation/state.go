package conversation

import "maps"

const (
	keyGoal       = "goal"
	keyGoalParams = "goal_params"
	keyContext    = "context"
)

// State is the conversation blob stored on a contact. Goal, GoalParams and
// Context are the keys this service reads; anything else the decision function
// writes is kept in Extra and round-tripped untouched.
type State struct {
	Goal       *string
	GoalParams map[string]any
	Context    map[string]any
	Extra      map[string]any
}

func NewState() State {
	return State{
		GoalParams: map[string]any{},
		Context:    map[string]any{},
		Extra:      map[string]any{},
	}
}

// StateFromMap decodes a stored or decision-produced map. It never mutates m.
func StateFromMap(m map[string]any) State {
	s := NewState()
	for k, v := range m {
		switch k {
		case keyGoal:
			if g, ok := v.(string); ok && g != "" {
				s.Goal = &g
			}
		case keyGoalParams:
			if p, ok := v.(map[string]any); ok {
				s.GoalParams = maps.Clone(p)
			}
		case keyContext:
			if c, ok := v.(map[string]any); ok {
				s.Context = maps.Clone(c)
			}
		default:
			s.Extra[k] = v
		}
	}
	return s
}

// Map builds a fresh value for storage. Callers persist the result whole
// rather than patching nested keys.
func (s State) Map() map[string]any {
	out := make(map[string]any, len(s.Extra)+3)
	for k, v := range s.Extra {
		out[k] = v
	}
	if s.Goal != nil {
		out[keyGoal] = *s.Goal
	} else {
		out[keyGoal] = nil
	}
	out[keyGoalParams] = nonNil(s.GoalParams)
	out[keyContext] = nonNil(s.Context)
	return out
}

// Retire clears the goal and its parameters, keeping the free-form context.
func (s State) Retire() State {
	s.Goal = nil
	s.GoalParams = map[string]any{}
	return s
}

// GoalName returns the current goal or "".
func (s State) GoalName() string {
	if s.Goal == nil {
		return ""
	}
	return *s.Goal
}

// Next computes the state saved at the end of a turn. An updated state from
// the decision function replaces the stored one; a terminal outcome always
// retires the goal.
func Next(stored State, updated map[string]any, outcome Outcome) State {
	next := stored
	if updated != nil {
		next = StateFromMap(updated)
	}
	if IsTerminal(outcome) {
		next = next.Retire()
	}
	return next
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return maps.Clone(m)
}
