package expansion

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jinglear/jingle/pkg/entity"
)

func TestPolicy(t *testing.T) {
	tests := []struct {
		name         string
		policy       Policy
		eager        bool
		filterCycles bool
		canExpand    bool
	}{
		{
			name:         "visitor_root",
			policy:       Policy{Mode: ModeVisitor},
			filterCycles: true,
			canExpand:    true,
		},
		{
			name:      "review_root",
			policy:    Policy{Mode: ModeReview},
			eager:     true,
			canExpand: true,
		},
		{
			name:         "review_nested",
			policy:       Policy{Mode: ModeReview, Depth: 2},
			filterCycles: true,
			canExpand:    true,
		},
		{
			name:      "review_subtree_root",
			policy:    Policy{Mode: ModeReview, Depth: 2, ReviewRoot: true},
			eager:     true,
			canExpand: true,
		},
		{
			name:         "at_max_depth",
			policy:       Policy{Depth: 3, MaxDepth: 3},
			filterCycles: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.eager, test.policy.Eager())
			require.Equal(t, test.filterCycles, test.policy.FilterCycles())
			require.Equal(t, test.canExpand, test.policy.CanExpand())
		})
	}
}

func TestPolicyChild(t *testing.T) {
	root := Policy{Mode: ModeReview, MaxDepth: 4}
	child := root.Child()

	require.Equal(t, ModeReview, child.Mode)
	require.Equal(t, 1, child.Depth)
	require.Equal(t, 4, child.MaxDepth)
	require.False(t, child.Eager())

	subtree := child.AsReviewRoot()
	require.True(t, subtree.Eager())
	require.False(t, subtree.Child().Eager())
}

func TestModeFor(t *testing.T) {
	require.Equal(t, ModeReview, ModeFor(true))
	require.Equal(t, ModeVisitor, ModeFor(false))
	require.Equal(t, "review", ModeReview.String())
	require.Equal(t, "visitor", ModeVisitor.String())
}

func TestEntityPath(t *testing.T) {
	root := EntityPath{}
	p1 := root.Append("factory-1")
	p2 := p1.Append("jingle-1")
	sibling := p1.Append("jingle-2")

	require.Empty(t, root)
	require.Equal(t, EntityPath{"factory-1", "jingle-1"}, p2)
	require.Equal(t, EntityPath{"factory-1", "jingle-2"}, sibling)
	require.True(t, p2.Contains("factory-1"))
	require.False(t, p1.Contains("jingle-1"))
	require.Equal(t, "factory-1 > jingle-1", p2.String())
}

func TestFilterCycles(t *testing.T) {
	in := []entity.Entity{ent(entity.KindFactory, "X"), ent(entity.KindJingle, "a"), ent(entity.KindJingle, "self")}

	out := FilterCycles(in, EntityPath{"X"}.excludeSet("self"))

	require.Equal(t, []string{"a"}, entity.IDs(out))
	require.Len(t, in, 3)
}
