package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"hwbridge/client"
	"hwbridge/message"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find a backend and print its endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, cleanup, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ep, err := s.discovery.Discover(s.ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"address": ep.Address,
			"port":    ep.Port,
			"name":    ep.Name,
			"version": ep.Version,
			"url":     ep.URL(),
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the backend's self description",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) (message.Response, error) {
			return c.Info(ctx)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the functions the backend can execute",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, cleanup, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		c, err := s.connect()
		if err != nil {
			return err
		}
		fns, err := c.List(s.ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FUNCTION\tDESCRIPTION")
		for _, fn := range fns {
			fmt.Fprintf(w, "%s\t%s\n", fn.Name, fn.Description)
		}
		return w.Flush()
	},
}

var executeCmd = &cobra.Command{
	Use:   "execute <function>",
	Short: "Run an experiment and print its result",
	Long: `Run an experiment and print its result as JSON. Parameters are given as
--param key=value; numbers and booleans are sent as such. Ctrl-C cancels the experiment
on the backend.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetStringArray("param")
		params, err := parseParams(raw)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) (message.Response, error) {
			return c.Execute(ctx, args[0], params)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Ask the backend to cancel its running experiment",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) (message.Response, error) {
			return c.Cancel(ctx)
		})
	},
}

var rawCmd = &cobra.Command{
	Use:   "raw <command>",
	Short: "Send a command to the backend unchanged",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) (message.Response, error) {
			return c.Raw(ctx, args[0])
		})
	},
}

func init() {
	executeCmd.Flags().StringArray("param", nil, "experiment parameter as key=value (repeatable)")
	rootCmd.AddCommand(discoverCmd, infoCmd, listCmd, executeCmd, cancelCmd, rawCmd)
}

// withClient connects, runs one request and prints the reply. An error reply exits
// non-zero after printing.
func withClient(cmd *cobra.Command, do func(context.Context, *client.Client) (message.Response, error)) error {
	s, cleanup, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	c, err := s.connect()
	if err != nil {
		return err
	}

	resp, err := do(s.ctx, c)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(cmd.ErrOrStderr(), "cancelled")
		return err
	}
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("backend error: %s", resp.Err())
	}
	return nil
}

// parseParams turns key=value pairs into scalar params. Values that parse as integers,
// floats or booleans are sent typed; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", p)
		}
		params[k] = parseScalar(v)
	}
	return params, nil
}

func parseScalar(v string) any {
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}
