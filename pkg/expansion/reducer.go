package expansion

import (
	"fmt"
	"maps"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/relationship"
)

type ActionType int

const (
	ActionToggle ActionType = iota + 1
	ActionLoadStart
	ActionLoadSuccess
	ActionLoadError
	ActionClearInFlight
	ActionClearError
	ActionCountHint
	ActionLoadCancelled
)

func (t ActionType) String() string {
	switch t {
	case ActionToggle:
		return "TOGGLE"
	case ActionLoadStart:
		return "LOAD_START"
	case ActionLoadSuccess:
		return "LOAD_SUCCESS"
	case ActionLoadError:
		return "LOAD_ERROR"
	case ActionClearInFlight:
		return "CLEAR_IN_FLIGHT"
	case ActionClearError:
		return "CLEAR_ERROR"
	case ActionCountHint:
		return "COUNT_HINT"
	case ActionLoadCancelled:
		return "LOAD_CANCELLED"
	default:
		return fmt.Sprintf("ActionType(%d)", int(t))
	}
}

// Action is a state transition for one relationship key. Only the fields relevant to
// Type are read.
type Action struct {
	Type  ActionType
	Key   relationship.Key
	Token *Token
	Data  []entity.Entity
	Count int
	Err   error
}

func Toggle(key relationship.Key) Action {
	return Action{Type: ActionToggle, Key: key}
}

func LoadStart(key relationship.Key, token *Token) Action {
	return Action{Type: ActionLoadStart, Key: key, Token: token}
}

func LoadSuccess(key relationship.Key, data []entity.Entity, count int) Action {
	return Action{Type: ActionLoadSuccess, Key: key, Data: data, Count: count}
}

func LoadError(key relationship.Key, err error) Action {
	return Action{Type: ActionLoadError, Key: key, Err: err}
}

func ClearInFlight(key relationship.Key) Action {
	return Action{Type: ActionClearInFlight, Key: key}
}

func ClearError(key relationship.Key) Action {
	return Action{Type: ActionClearError, Key: key}
}

// CountHint publishes a cardinality known before the full result is.
func CountHint(key relationship.Key, count int) Action {
	return Action{Type: ActionCountHint, Key: key, Count: count}
}

// LoadCancelled settles a load whose token was cancelled without being superseded. Data
// and errors are left as they were.
func LoadCancelled(key relationship.Key) Action {
	return Action{Type: ActionLoadCancelled, Key: key}
}

// Reduce returns the state that results from applying a to s. It has no side effects.
// The returned state is a new value whenever a is a known action; maps that a does not
// modify are shared with s. Unknown actions return s itself.
func Reduce(s *State, a Action) *State {
	if s == nil {
		s = NewState()
	}

	next := *s
	k := a.Key

	switch a.Type {
	case ActionToggle:
		if s.IsExpanded(k) {
			next.expanded = without(s.expanded, k)
		} else {
			next.expanded = with(s.expanded, k, struct{}{})
		}

	case ActionLoadStart:
		next.loading = with(s.loading, k, true)
		next.inFlight = with(s.inFlight, k, a.Token)
		next.errs = without(s.errs, k)

	case ActionLoadSuccess:
		data := a.Data
		if data == nil {
			data = []entity.Entity{}
		}
		next.loaded = with(s.loaded, k, data)
		next.counts = with(s.counts, k, a.Count)
		next.loading = without(s.loading, k)
		next.inFlight = without(s.inFlight, k)
		next.errs = without(s.errs, k)

	case ActionLoadError:
		next.errs = with(s.errs, k, a.Err)
		next.loading = without(s.loading, k)
		next.inFlight = without(s.inFlight, k)
		next.loaded = with(s.loaded, k, []entity.Entity{})
		next.counts = with(s.counts, k, 0)

	case ActionClearInFlight:
		next.inFlight = without(s.inFlight, k)

	case ActionClearError:
		next.errs = without(s.errs, k)

	case ActionLoadCancelled:
		next.loading = without(s.loading, k)
		next.inFlight = without(s.inFlight, k)

	case ActionCountHint:
		if _, loaded := s.loaded[k]; !loaded {
			next.counts = with(s.counts, k, a.Count)
		}

	default:
		return s
	}

	return &next
}

func with[V any](m map[relationship.Key]V, k relationship.Key, v V) map[relationship.Key]V {
	out := maps.Clone(m)
	if out == nil {
		out = make(map[relationship.Key]V, 1)
	}
	out[k] = v
	return out
}

func without[V any](m map[relationship.Key]V, k relationship.Key) map[relationship.Key]V {
	if _, ok := m[k]; !ok {
		return m
	}
	out := maps.Clone(m)
	delete(out, k)
	return out
}
