package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/EternisAI/silo-relay/internal/models"
	"github.com/spf13/cobra"
)

type clientFactory func() *Client

func newLoginCmd(newClient clientFactory) *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Open an operator session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return errors.New("--password is required")
			}
			token, err := newClient().Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "export RELAY_TOKEN=%s\n", token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "admin", "operator username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "operator password")
	return cmd
}

func newLogoutCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the current session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Logout(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func newAgentsCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List online agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().ListAgents(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tTRANSPORT\tREMOTE\tLAST SEEN")
			for _, a := range resp.Agents {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					a.ID, a.Transport, a.RemoteAddr, a.LastSeen.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func newAgentCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "agent <id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := newClient().GetAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	}
}

func newDisconnectCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <id>",
		Short: "Drop an agent and its queued commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Disconnect(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s disconnected\n", args[0])
			return nil
		},
	}
}

func newSendCmd(newClient clientFactory) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "send <command>...",
		Short: "Send a command to one agent or to all of them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Send(cmd.Context(), target, strings.Join(args, " "))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, resp.Message)
			if len(resp.Report.Delivered) > 0 {
				_, _ = fmt.Fprintf(out, "delivered: %s\n", strings.Join(resp.Report.Delivered, ", "))
			}
			if len(resp.Report.Queued) > 0 {
				_, _ = fmt.Fprintf(out, "queued:    %s\n", strings.Join(resp.Report.Queued, ", "))
			}
			if len(resp.Report.Failed) > 0 {
				_, _ = fmt.Fprintf(out, "failed:    %s\n", strings.Join(resp.Report.Failed, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", models.BroadcastTarget, "agent id, or broadcast")
	return cmd
}

func newResultCmd(newClient clientFactory) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "result <command>...",
		Short: "Fetch the result an agent reported for a command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return errors.New("--target is required")
			}
			q, err := newClient().Result(cmd.Context(), target, strings.Join(args, " "))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "status: %s\n", q.Status)
			if q.Status != models.StatusPending {
				_, _ = fmt.Fprintln(out, q.Output)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "agent id")
	return cmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print relayctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if version == "" {
				version = "dev"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "relayctl %s\n", version)
		},
	}
}
