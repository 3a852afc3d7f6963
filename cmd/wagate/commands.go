package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Long: `Start the gateway: restore known tenants, serve the HTTP API, and
tear every session down on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Tenants Commands
// =============================================================================

// tenantsFlags are shared by every tenants subcommand.
type tenantsFlags struct {
	server     string
	configPath string
	jsonOut    bool
}

func (f *tenantsFlags) client() (*apiClient, error) {
	baseURL, err := resolveHTTPBaseURL(resolveConfigPath(f.configPath), f.server)
	if err != nil {
		return nil, err
	}
	return newAPIClient(baseURL), nil
}

func buildTenantsCmd() *cobra.Command {
	flags := &tenantsFlags{}
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Manage tenant sessions on a running server",
	}
	cmd.PersistentFlags().StringVar(&flags.server, "server", "", "Server base URL (default from WAGATE_SERVER or config)")
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file used to locate the server")
	cmd.PersistentFlags().BoolVar(&flags.jsonOut, "json", false, "Print raw JSON responses")

	cmd.AddCommand(
		buildTenantsListCmd(flags),
		buildTenantsProvisionCmd(flags),
		buildTenantsStatusCmd(flags),
		buildTenantsPairingCmd(flags),
		buildTenantsRestartCmd(flags),
		buildTenantsRemoveCmd(flags),
		buildTenantsSendCmd(flags),
		buildTenantsConversationsCmd(flags),
	)
	return cmd
}

func buildTenantsListCmd(flags *tenantsFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live tenant sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTenantsList(cmd, flags)
		},
	}
}

func buildTenantsProvisionCmd(flags *tenantsFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "provision <tenant-id>",
		Short: "Create a session for a tenant, or return the existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTenantsProvision(cmd, flags, args[0])
		},
	}
}

func buildTenantsStatusCmd(flags *tenantsFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <tenant-id>",
		Short: "Show a tenant's connection status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTenantsStatus(cmd, flags, args[0])
		},
	}
}

func buildTenantsPairingCmd(flags *tenantsFlags) *cobra.Command {
	var qrPath string
	cmd := &cobra.Command{
		Use:   "pairing <tenant-id>",
		Short: "Print the outstanding pairing token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTenantsPairing(cmd, flags, args[0], qrPath)
		},
	}
	cmd.Flags().StringVar(&qrPath, "qr", "", "Also write the token as a QR PNG to this file")
	return cmd
}

func buildTenantsRestartCmd(flags *tenantsFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <tenant-id>",
		Short: "Tear down and recreate a tenant session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTenantsRestart(cmd, flags, args[0])
		},
	}
}

func buildTenantsRemoveCmd(flags *tenantsFlags) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "remove <tenant-id>",
		Short: "Destroy a tenant session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTenantsRemove(cmd, flags, args[0], purge)
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "Also delete stored credentials, forcing re-pairing")
	return cmd
}

func buildTenantsSendCmd(flags *tenantsFlags) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "send <tenant-id> <message>",
		Short: "Send a text message from a connected tenant",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTenantsSend(cmd, flags, args[0], to, strings.Join(args[1:], " "))
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Destination phone number or JID")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func buildTenantsConversationsCmd(flags *tenantsFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "conversations <tenant-id>",
		Short: "List a tenant's recent conversations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTenantsConversations(cmd, flags, args[0], limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum conversations to return (server default when zero)")
	return cmd
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wagate %s (commit: %s, built: %s)\n", version, commit, date)
			return err
		},
	}
}
