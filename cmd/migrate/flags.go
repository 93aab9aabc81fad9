package migrate

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jinglear/jingle/cmd/util"
)

// runFlags are bound to viper keys of the same name and to JINGLE_* environment variables.
var runFlags = []string{
	datastoreEngineFlag,
	datastoreURIFlag,
	datastoreUsernameFlag,
	datastorePasswordFlag,
	versionFlag,
	timeoutFlag,
	verboseMigrationFlag,
	logFormatFlag,
	logLevelFlag,
}

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		for _, name := range runFlags {
			util.MustBindPFlag(name, flags.Lookup(name))
			util.MustBindEnv(name, util.EnvName(name))
		}
	}
}
