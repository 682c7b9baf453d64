// Command drillctl talks to a running drillbot over its control socket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"drillbot/internal/control"
	"drillbot/internal/scheduler"
)

const defaultSocket = "/run/drillbot/control.sock"

var (
	socketPath string
	timeout    time.Duration
	asJSON     bool
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		var perr *control.Error
		if errors.As(err, &perr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "drillctl",
		Short:         "Control a running drillbot",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", envOr("DRILLBOT_SOCKET", defaultSocket), "control socket path")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "request timeout (0 uses the client default)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print the raw JSON result")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "trigger <profile>",
			Short: "Start an extra run now",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out scheduler.RunInfo
				if err := call(cmd.Context(), control.Request{Command: control.CmdTrigger, Profile: args[0]}, &out); err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), out, func(w io.Writer) { printRun(w, out) })
			},
		},
		&cobra.Command{
			Use:   "reschedule <profile> <run-id> <time>",
			Short: "Move a pending run (RFC 3339, \"YYYY-MM-DD HH:MM\" or \"HH:MM\")",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out scheduler.RunInfo
				req := control.Request{Command: control.CmdReschedule, Profile: args[0], RunID: args[1], NewTime: args[2]}
				if err := call(cmd.Context(), req, &out); err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), out, func(w io.Writer) { printRun(w, out) })
			},
		},
		&cobra.Command{
			Use:   "cancel <profile> <run-id>",
			Short: "Cancel a pending or running run",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out scheduler.RunInfo
				req := control.Request{Command: control.CmdCancel, Profile: args[0], RunID: args[1]}
				if err := call(cmd.Context(), req, &out); err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), out, func(w io.Writer) { printRun(w, out) })
			},
		},
		&cobra.Command{
			Use:     "reload",
			Aliases: []string{"reload-config"},
			Short:   "Re-read the config file and apply it",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var out control.ReloadResult
				if err := call(cmd.Context(), control.Request{Command: control.CmdReloadConfig}, &out); err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), out, func(w io.Writer) { printReload(w, out) })
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show every profile's timeline",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var out scheduler.Status
				if err := call(cmd.Context(), control.Request{Command: control.CmdStatus}, &out); err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), out, func(w io.Writer) { printStatus(w, out, time.Now()) })
			},
		},
		&cobra.Command{
			Use:   "ping",
			Short: "Check that drillbot is answering",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var out control.PingResult
				if err := call(cmd.Context(), control.Request{Command: control.CmdPing}, &out); err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintf(w, "pong (%s)\n", out.Time.Format(time.RFC3339))
				})
			},
		},
		&cobra.Command{
			Use:   "notify <text>",
			Short: "Send a message through the notification sink",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out control.NotifyResult
				if err := call(cmd.Context(), control.Request{Command: control.CmdNotify, Text: args[0]}, &out); err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), out, func(w io.Writer) {
					if out.Queued {
						fmt.Fprintln(w, "queued")
						return
					}
					fmt.Fprintf(w, "not queued: %s\n", out.Reason)
				})
			},
		},
	)
	return rootCmd
}

func call(ctx context.Context, req control.Request, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req.Nonce = uuid.NewString()
	c := control.Client{SocketPath: socketPath, Timeout: timeout}
	return c.Call(ctx, req, out)
}

func emit(w io.Writer, v any, human func(io.Writer)) error {
	if !asJSON {
		human(w)
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
