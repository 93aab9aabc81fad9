package expansion

import (
	"slices"
	"strings"

	"github.com/jinglear/jingle/pkg/entity"
)

// EntityPath is the chain of entity ids from the root down to the current nesting level.
// It only serves cycle prevention.
type EntityPath []string

// Append returns a new path; p is never modified.
func (p EntityPath) Append(id string) EntityPath {
	out := make(EntityPath, len(p), len(p)+1)
	copy(out, p)
	return append(out, id)
}

func (p EntityPath) Contains(id string) bool {
	return slices.Contains(p, id)
}

func (p EntityPath) String() string {
	return strings.Join(p, " > ")
}

// excludeSet returns the ids a cycle-filtered load under p, on the entity self, must drop.
func (p EntityPath) excludeSet(self string) map[string]struct{} {
	set := make(map[string]struct{}, len(p)+1)
	for _, id := range p {
		set[id] = struct{}{}
	}
	set[self] = struct{}{}
	return set
}

// FilterCycles returns the entities whose id is not in exclude. The input is not modified.
func FilterCycles(entities []entity.Entity, exclude map[string]struct{}) []entity.Entity {
	out := make([]entity.Entity, 0, len(entities))
	for _, e := range entities {
		if _, ok := exclude[e.ID]; ok {
			continue
		}
		out = append(out, e)
	}
	return out
}
