package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/jinglear/jingle/internal/build"
)

// NewVersionCommand returns the command to get the jingle version
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the jingle version",
		Long:  "Return the jingle version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(_ *cobra.Command, _ []string) error {
	log.Printf("jingle version %s date %s commit id %s ", build.Version, build.Date, build.Commit)
	return nil
}
