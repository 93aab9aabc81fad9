package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/jinglear/jingle/cmd"
	"github.com/jinglear/jingle/cmd/util/utiltest"
	"github.com/jinglear/jingle/pkg/audit"
	"github.com/jinglear/jingle/pkg/storage/badger"
	"github.com/jinglear/jingle/pkg/testfixtures"
)

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
	root.AddCommand(NewAuditCommand())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(append([]string{"audit"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestAuditCommand(t *testing.T) {
	dir := seededDir(t)
	common := []string{"--datastore-engine", "badger", "--datastore-uri", dir, "--log-level", "none"}

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, append([]string{"jingle-intro", "-o", "json", "--strict"}, common...)...)
		require.NoError(t, err)

		var report audit.Report
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		require.Equal(t, "jingle-intro", report.Root)
		require.Equal(t, 2, report.Depth)
		require.True(t, report.Clean())
		require.Positive(t, report.Relationships)
		require.Greater(t, report.Entities, 1)
	})

	t.Run("text", func(t *testing.T) {
		out, err := execute(t, append([]string{"fabrica-1"}, common...)...)
		require.NoError(t, err)
		require.Contains(t, out, "audit of fabrica-1:")
		require.Contains(t, out, "no problems found")
	})

	t.Run("dot", func(t *testing.T) {
		out, err := execute(t, append([]string{"cancion-zamba", "-o", "dot", "--depth", "1"}, common...)...)
		require.NoError(t, err)
		require.Contains(t, out, "digraph")
		require.Contains(t, out, "AUTHOR_OF")
	})
}

func TestText(t *testing.T) {
	out := text(audit.Report{
		Root:           "j1",
		Depth:          1,
		Entities:       2,
		Relationships:  3,
		SelfReferences: []audit.Reference{{RelType: "REMIX_OF", StartID: "j1", EndID: "j1"}},
		Cycles:         [][]string{{"j1", "j2"}},
		Failures:       []audit.Failure{{EntityID: "j2", Key: "Fabricas#factory", Error: "timeout"}},
	})
	require.Contains(t, out, "2 entities, 3 relationships, depth 1")
	require.Contains(t, out, "j1 -[REMIX_OF]-> itself")
	require.Contains(t, out, "j1, j2")
	require.Contains(t, out, "j2 Fabricas#factory: timeout")
	require.NotContains(t, out, "no problems found")
}

func TestPrintUnknownFormat(t *testing.T) {
	var out bytes.Buffer
	require.EqualError(t, Print(&out, audit.Report{}, audit.NewGraph(), "svg"), `unknown output format "svg"`)
}
