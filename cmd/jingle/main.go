package main

import (
	"os"

	"github.com/jinglear/jingle/cmd"
	"github.com/jinglear/jingle/cmd/audit"
	"github.com/jinglear/jingle/cmd/expand"
	"github.com/jinglear/jingle/cmd/migrate"
	"github.com/jinglear/jingle/cmd/seed"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	rootCmd.AddCommand(expand.NewExpandCommand())
	rootCmd.AddCommand(audit.NewAuditCommand())
	rootCmd.AddCommand(seed.NewSeedCommand())
	rootCmd.AddCommand(migrate.NewMigrateCommand())
	rootCmd.AddCommand(cmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
