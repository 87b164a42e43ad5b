package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaygroup/internal/apiclient"
)

func newClient(cmd *cobra.Command) (*apiclient.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	return apiclient.New(cfg.APIURL, cfg.SecretKey, nil), nil
}

func writeJSONOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session and destination status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSONOutput(cmd.OutOrStdout(), status)
			}
			destination := "unconfigured"
			if status.DestinationID != nil {
				destination = *status.DestinationID
				if status.DestinationName != nil {
					destination += " (" + *status.DestinationName + ")"
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "phase:        %s\n", status.Phase)
			fmt.Fprintf(out, "connected:    %t\n", status.Connected)
			fmt.Fprintf(out, "pairing:      %t\n", status.PairingActive)
			fmt.Fprintf(out, "reconnecting: %t (attempts %d/%d)\n", status.Reconnecting, status.Attempts, status.MaxAttempts)
			fmt.Fprintf(out, "destination:  %s\n", destination)
			if status.Exhausted {
				fmt.Fprintln(out, "warning:      reconnect attempts exhausted, still retrying at the capped interval")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message to the configured destination",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			result, err := client.Send(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("send to %s failed: %s", result.DestinationID, result.Error)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", result.MessageID, result.DestinationID)
			return err
		},
	}
}

func newDestinationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destinations",
		Short: "List groups the session can send to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			conversations, err := client.Destinations(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range conversations {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d members\n", c.ID, c.Title, c.MemberCount); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newSetDestinationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-destination <id> [name]",
		Short: "Persist the destination group",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			var name string
			if len(args) == 2 {
				name = args[1]
			}
			result, err := client.SetDestination(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "destination set to %s\n", result.Destination.ID)
			if !result.Live {
				fmt.Fprintf(out, "warning: session not live: %s\n", result.Warning)
			}
			return nil
		},
	}
}

func newReconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect",
		Short: "Force an immediate reconnect attempt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			if err := client.Reconnect(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "reconnect started")
			return err
		},
	}
}

func newDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Log the session out and clear the destination",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			if err := client.Disconnect(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "disconnected")
			return err
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent send outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			page, err := client.History(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			return writeJSONOutput(cmd.OutOrStdout(), page.Items)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "entries to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}
