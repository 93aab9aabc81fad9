package entity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Factory ")
	require.NoError(t, err)
	require.Equal(t, KindFactory, k)

	_, err = ParseKind("item")
	require.ErrorIs(t, err, ErrUnknownKind)

	for _, k := range Kinds() {
		require.True(t, k.Valid())
	}
}

func TestDisplayName(t *testing.T) {
	require.Equal(t, "Los Piojos", Entity{ID: "a1", Name: "Los Piojos", Title: "x"}.DisplayName())
	require.Equal(t, "Tan solo", Entity{ID: "s1", Title: "Tan solo"}.DisplayName())
	require.Equal(t, "s2", Entity{ID: "s2"}.DisplayName())
}

func TestValidate(t *testing.T) {
	require.NoError(t, Entity{ID: "f1", Kind: KindFactory}.Validate())
	require.Error(t, Entity{Kind: KindFactory}.Validate())
	require.ErrorIs(t, Entity{ID: "f1", Kind: "item"}.Validate(), ErrUnknownKind)
}

func TestEdgeClone(t *testing.T) {
	var nilEdge *Edge
	require.Nil(t, nilEdge.Clone())

	e := &Edge{RelType: "APPEARS_IN", StartID: "j1", EndID: "f1", Properties: map[string]any{"order": 1}}
	c := e.Clone()
	c.Properties["order"] = 2
	require.Equal(t, 1, e.Properties["order"])
}
