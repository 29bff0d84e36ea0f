// Package cli is the relayctl command tree.
package cli

import (
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultServer = "http://localhost:8080"

// NewRootCmd builds relayctl. Connection flags fall back to RELAY_SERVER,
// RELAY_KEY and RELAY_TOKEN.
func NewRootCmd(version string) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("relay")
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "relayctl",
		Short:         "Operate a silo relay",
		Long:          "relayctl lists relay agents, sends them commands and fetches their results.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("server", defaultServer, "relay base URL")
	flags.String("key", "", "shared API key")
	flags.String("token", "", "session token from login")
	_ = v.BindPFlags(flags)

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	newClient := func() *Client {
		return NewClient(v.GetString("server"), v.GetString("key"), v.GetString("token"))
	}

	rootCmd.AddCommand(
		newLoginCmd(newClient),
		newLogoutCmd(newClient),
		newAgentsCmd(newClient),
		newAgentCmd(newClient),
		newDisconnectCmd(newClient),
		newSendCmd(newClient),
		newResultCmd(newClient),
		newVersionCmd(version),
	)
	return rootCmd
}

func Execute(stdout, stderr io.Writer, version string) error {
	rootCmd := NewRootCmd(version)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	return rootCmd.Execute()
}
