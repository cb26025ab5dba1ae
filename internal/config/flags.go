package config

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "LABSHARE"

// NewViper returns a viper instance reading LABSHARE_* environment variables.
// Dashes in flag names map to underscores, so --db-path reads LABSHARE_DB_PATH.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// BindCommandToViper fills every flag the user did not set on the command
// line from the environment.
func BindCommandToViper(cmd *cobra.Command, v *viper.Viper) error {
	var firstErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := cmd.Flags().Set(f.Name, v.GetString(f.Name)); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}
