package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/splax/sitedeploy/pkg/api/client"
)

func newLoginCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store an operator token for later commands",
		Long: `login saves the API URL and operator token to the deployctl config file.
Without --token the token is read from the terminal without echo, or from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			if strings.TrimSpace(opts.token) == "" {
				token, err := readToken(cmd)
				if err != nil {
					return err
				}
				cfg.AccessToken = token
			}
			if cfg.AccessToken == "" {
				return errors.New("token must not be empty")
			}
			client, err := apiclient.New(cfg.APIBaseURL, apiclient.WithTimeout(opts.timeout))
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			if _, err := client.ListDeployments(ctx, cfg.AccessToken, 1); err != nil {
				return fmt.Errorf("verify token: %w", err)
			}
			if err := saveConfig(cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "login successful")
			return nil
		},
	}
}

func readToken(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Token: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func newDeployCmd(opts *globalOptions) *cobra.Command {
	var (
		file string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Submit a deployment context",
		Long: `deploy posts a deployment context document to the orchestrator.
With --wait the command blocks until the deployment finishes and exits non-zero on failure.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := readContext(cmd, file)
			if err != nil {
				return err
			}
			client, token, err := opts.session()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := cmd.OutOrStdout()
			if !wait {
				sub, err := client.SubmitDeployment(ctx, token, body)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "deployment %s %s\n", sub.DeploymentID, sub.Status)
				return nil
			}
			res, err := client.Deploy(ctx, token, body)
			if err != nil {
				return err
			}
			printResult(out, res)
			if !res.Succeeded() {
				return fmt.Errorf("deployment %s failed after %d attempt(s)", res.DeploymentID, res.Attempts)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "deployment context JSON file (- for stdin)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the deployment to finish")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readContext(cmd *cobra.Command, file string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("read deployment context: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("deployment context %s is not valid JSON", file)
	}
	return json.RawMessage(data), nil
}

func printResult(out io.Writer, res apiclient.Result) {
	fmt.Fprintf(out, "deployment:  %s\n", res.DeploymentID)
	fmt.Fprintf(out, "status:      %s\n", res.FinalStatus)
	fmt.Fprintf(out, "attempts:    %d\n", res.Attempts)
	if res.HostingURL != "" {
		fmt.Fprintf(out, "hosting url: %s\n", res.HostingURL)
	}
	if res.StoragePath != "" {
		fmt.Fprintf(out, "storage:     %s\n", res.StoragePath)
	}
	if res.Error != "" {
		fmt.Fprintf(out, "error:       %s\n", res.Error)
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "status <deployment-id>",
		Short: "Show one deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, token, err := opts.session()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			dep, err := client.GetDeployment(ctx, token, args[0])
			if err != nil {
				if apiclient.IsNotFound(err) {
					return fmt.Errorf("deployment %s not found", args[0])
				}
				return err
			}
			out := cmd.OutOrStdout()
			if raw {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(dep)
			}
			fmt.Fprintf(out, "deployment:  %s\n", dep.ID)
			fmt.Fprintf(out, "tenant:      %s\n", dep.TenantID)
			fmt.Fprintf(out, "site:        %s\n", dep.SiteID)
			fmt.Fprintf(out, "status:      %s\n", dep.Status)
			fmt.Fprintf(out, "attempts:    %d\n", dep.Attempts)
			fmt.Fprintf(out, "started:     %s\n", dep.StartedAt.Format(time.RFC3339))
			if dep.CompletedAt != nil {
				fmt.Fprintf(out, "completed:   %s\n", dep.CompletedAt.Format(time.RFC3339))
			}
			if dep.HostingURL != "" {
				fmt.Fprintf(out, "hosting url: %s\n", dep.HostingURL)
			}
			if dep.Error != "" {
				fmt.Fprintf(out, "error:       %s\n", dep.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "json", false, "print the full deployment record as JSON")
	return cmd
}

func newListCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent deployments for your tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, token, err := opts.session()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			deployments, err := client.ListDeployments(ctx, token, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSITE\tSTATUS\tATTEMPTS\tSTARTED")
			for _, dep := range deployments {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", dep.ID, dep.SiteID, dep.Status, dep.Attempts, dep.StartedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum deployments to list")
	return cmd
}

func newLogsCmd(opts *globalOptions) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "logs <deployment-id>",
		Short: "Print the agent logs of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, token, err := opts.session()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			entries, err := client.ListAgentLogs(ctx, token, args[0], limit, offset)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, entry := range entries {
				fmt.Fprintf(out, "%s  %-10s attempt=%d  %s\n", entry.CreatedAt.Format(time.RFC3339), entry.Agent, entry.Attempt, compactJSON(entry.Payload))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to print")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func newCircuitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "circuit <tenant-id>",
		Short: "Show the circuit breaker state of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, token, err := opts.session()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			status, err := client.CircuitStatus(ctx, token, args[0])
			if err != nil {
				return err
			}
			state := "closed"
			if status.Open {
				state = "open"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s: circuit %s (%d recent failures)\n", status.TenantID, state, status.Failures)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the deployctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "deployctl version %s\n", cmd.Root().Version)
		},
	}
}
