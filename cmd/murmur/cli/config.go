package cli

import (
	"fmt"

	"github.com/felixgeelhaar/murmur/internal/credential"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		if f := loader.File(); f != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", f)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configSealCmd = &cobra.Command{
	Use:   "seal [secret]",
	Short: "Seal a secret for use as provider.api_key",
	Long: `seal prints the secret encrypted with $MURMUR_SECRET_KEY, or with a key
bound to this machine when the variable is unset. Paste the output into the
config file in place of the plain value.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sealer, err := credential.FromEnv()
		if err != nil {
			return err
		}
		sealed, err := sealer.Seal(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSealCmd)
}
