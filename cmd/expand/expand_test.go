package expand

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/jinglear/jingle/cmd"
	"github.com/jinglear/jingle/cmd/util/utiltest"
	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/expansion"
	"github.com/jinglear/jingle/pkg/relationship"
	"github.com/jinglear/jingle/pkg/storage"
	"github.com/jinglear/jingle/pkg/storage/badger"
	"github.com/jinglear/jingle/pkg/testfixtures"
)

// seededDir returns a badger directory holding the demo catalogue.
func seededDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	ds, err := badger.New(badger.Options{Dir: dir})
	require.NoError(t, err)
	defer ds.Close()

	f, err := testfixtures.Demo()
	require.NoError(t, err)
	require.NoError(t, f.Apply(context.Background(), ds))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	utiltest.ConfigHome(t)
	t.Cleanup(viper.Reset)

	root := cmd.NewRootCommand()
	root.AddCommand(NewExpandCommand())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(append([]string{"expand"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestExpandCommandJSON(t *testing.T) {
	dir := seededDir(t)

	out, err := execute(t, "fabrica-2",
		"--datastore-engine", "badger", "--datastore-uri", dir, "--log-level", "none", "-o", "json")
	require.NoError(t, err)

	var v expansion.NodeView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	require.Equal(t, "fabrica-2", v.ID)
	require.Equal(t, entity.KindFactory, v.Kind)
	require.Len(t, v.Relationships, 2)

	jingles := v.Relationships[0]
	require.Equal(t, "Jingles", jingles.Label)
	require.Equal(t, expansion.StatusLoaded, jingles.Status)
	ids := make([]string, 0, len(jingles.Items))
	for _, item := range jingles.Items {
		ids = append(ids, item.ID)
	}
	// ordered by their position inside the factory
	require.Equal(t, []string{"jingle-intro", "jingle-mate", "jingle-despedida"}, ids)

	songs := v.Relationships[1]
	require.Equal(t, "Canciones", songs.Label)
	require.Equal(t, expansion.StatusEmpty, songs.Status)
}

func TestExpandCommandText(t *testing.T) {
	dir := seededDir(t)

	out, err := execute(t, "jingle-intro",
		"--datastore-engine", "badger", "--datastore-uri", dir, "--log-level", "none", "--max-depth", "1")
	require.NoError(t, err)
	require.Contains(t, out, "Intro")
	require.Contains(t, out, "Fabricas (2)")
	require.Contains(t, out, "Fabrica 1")
	require.Contains(t, out, "Cancion (1)")
	require.Contains(t, out, "Muchachos")
	require.Contains(t, out, "max depth")
}

func TestExpandCommandCommitsEdits(t *testing.T) {
	dir := seededDir(t)
	edgeKey := string(expansion.NewEdgeKey(relationship.NewKey("Fabricas", entity.KindFactory), "fabrica-3"))

	_, err := execute(t, "jingle-mate",
		"--datastore-engine", "badger", "--datastore-uri", dir, "--log-level", "none", "-o", "json",
		"--set", edgeKey+"@timestamp=100", "--set", edgeKey+"@note=\"intro cut\"", "--commit")
	require.NoError(t, err)

	ds, err := badger.New(badger.Options{Dir: dir})
	require.NoError(t, err)
	defer ds.Close()

	factories, err := ds.ReadRelated(context.Background(), storage.RelatedFilter{
		EntityID:  "jingle-mate",
		RelType:   relationship.RelAppearsIn,
		Direction: storage.Outgoing,
	})
	require.NoError(t, err)
	var found bool
	for _, f := range factories {
		if f.ID != "fabrica-3" {
			continue
		}
		found = true
		require.InDelta(t, 100.0, f.Edge.Properties["timestamp"], 1e-9)
		require.Equal(t, "intro cut", f.Edge.Properties["note"])
	}
	require.True(t, found)
}

func TestExpandCommandErrors(t *testing.T) {
	dir := seededDir(t)

	t.Run("unknown_entity", func(t *testing.T) {
		_, err := execute(t, "nope", "--datastore-engine", "badger", "--datastore-uri", dir, "--log-level", "none")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("unknown_output", func(t *testing.T) {
		_, err := execute(t, "fabrica-1", "-o", "yaml")
		require.EqualError(t, err, `unknown output format "yaml"`)
	})

	t.Run("bad_edit", func(t *testing.T) {
		_, err := execute(t, "fabrica-1", "--set", "timestamp")
		require.ErrorContains(t, err, "expected EDGE_KEY@NAME=VALUE")
	})
}

func TestParseEdits(t *testing.T) {
	edits, err := parseEdits([]string{
		"Jingles#jingle|j1@timestamp=12.5",
		"Jingles#jingle|j1@label=intro",
		"Jingles#jingle|j1@gone=null",
	})
	require.NoError(t, err)
	require.Equal(t, []edit{
		{key: "Jingles#jingle|j1", name: "timestamp", value: 12.5},
		{key: "Jingles#jingle|j1", name: "label", value: "intro"},
		{key: "Jingles#jingle|j1", name: "gone", value: nil},
	}, edits)

	for _, bad := range []string{"no-equals", "@name=1", "Jingles#jingle|j1@=1"} {
		_, err := parseEdits([]string{bad})
		require.Error(t, err, bad)
	}
}
