// Package seed contains the command that loads a fixture graph into the datastore.
package seed

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jinglear/jingle/cmd/util"
	"github.com/jinglear/jingle/pkg/testfixtures"
)

const (
	fileFlag      = "file"
	uniqueFlag    = "unique"
	chunkSizeFlag = "chunk-size"
)

func NewSeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a fixture graph into the datastore",
		Long: `Load the entities and relationships of a YAML fixture into the datastore.

Without --file the embedded demo catalogue is loaded. Seeding the 'memory' engine is only useful
to validate a fixture, since the data is gone when the command exits.`,
		Args: cobra.NoArgs,
		RunE: runSeed,
	}

	flags := cmd.Flags()
	util.AddDatastoreFlags(flags)
	util.AddObservabilityFlags(flags)

	flags.StringP(fileFlag, "f", "", "the fixture file to load (defaults to the embedded demo catalogue)")
	flags.Bool(uniqueFlag, false, "suffix every id with a fresh ulid so the fixture can be loaded more than once")
	flags.Int(chunkSizeFlag, 40, "the maximum number of entities or relationships per write")

	cmd.PreRun = util.BindFlagsFunc(flags)

	return cmd
}

func runSeed(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()

	file, _ := flags.GetString(fileFlag)
	unique, _ := flags.GetBool(uniqueFlag)
	chunkSize, _ := flags.GetInt(chunkSizeFlag)

	var (
		fixture *testfixtures.Fixture
		err     error
	)
	if file == "" {
		fixture, err = testfixtures.Demo()
	} else {
		fixture, err = testfixtures.ReadFile(os.DirFS(filepath.Dir(file)), filepath.Base(file))
	}
	if err != nil {
		return err
	}

	original := fixture
	var ids map[string]string
	if unique {
		fixture, ids = fixture.Unique()
	}

	_, _, ds, cleanup, err := util.Setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := fixture.Apply(ctx, ds, testfixtures.WithChunkSize(chunkSize)); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "seeded %d entities and %d relationships\n", len(fixture.Entities), len(fixture.Relationships))
	if unique {
		for _, e := range original.Entities {
			fmt.Fprintf(out, "%s\t%s\n", ids[e.ID], util.Styles.Muted.Render(e.ID))
		}
	}
	return nil
}
