package expansion

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/relationship"
)

// SortEntities orders entities in place by the declared sort key. The sort is stable, so
// entities that compare equal keep their fetch order; SortNone leaves the slice untouched.
func SortEntities(entities []entity.Entity, key relationship.SortKey) {
	var compare func(a, b entity.Entity) int

	switch key {
	case relationship.SortByTimestamp:
		compare = byTimestamp
	case relationship.SortByDate:
		compare = byDateDesc
	case relationship.SortByName:
		compare = byName
	case relationship.SortByCategory:
		compare = byCategory
	case relationship.SortByContainerDate:
		compare = byContainerDate
	default:
		return
	}

	slices.SortStableFunc(entities, compare)
}

// byTimestamp is ascending; entities without a timestamp go last.
func byTimestamp(a, b entity.Entity) int {
	return compareMissingLast(a.Timestamp, b.Timestamp, func(x, y float64) int {
		return cmp.Compare(x, y)
	})
}

// byDateDesc puts the most recent date first. An entity without a date is placed by its
// creation time.
func byDateDesc(a, b entity.Entity) int {
	return effectiveDate(b).Compare(effectiveDate(a))
}

func effectiveDate(e entity.Entity) time.Time {
	if e.Date != nil {
		return *e.Date
	}
	return e.CreatedAt
}

func byName(a, b entity.Entity) int {
	return strings.Compare(nameKey(a), nameKey(b))
}

// nameKey is the lower-cased Name, or Title when the entity has no name.
func nameKey(e entity.Entity) string {
	name := e.Name
	if name == "" {
		name = e.Title
	}
	return strings.ToLower(strings.TrimSpace(name))
}

func byCategory(a, b entity.Entity) int {
	if c := strings.Compare(strings.ToLower(a.Category), strings.ToLower(b.Category)); c != 0 {
		return c
	}
	return byName(a, b)
}

// byContainerDate orders items repeated across factories by the factory date, ascending.
// Items without a factory date go last, by creation time.
func byContainerDate(a, b entity.Entity) int {
	switch {
	case a.ContainerDate != nil && b.ContainerDate != nil:
		return a.ContainerDate.Compare(*b.ContainerDate)
	case a.ContainerDate != nil:
		return -1
	case b.ContainerDate != nil:
		return 1
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func compareMissingLast[T any](a, b *T, compare func(x, y T) int) int {
	switch {
	case a != nil && b != nil:
		return compare(*a, *b)
	case a != nil:
		return -1
	case b != nil:
		return 1
	default:
		return 0
	}
}
