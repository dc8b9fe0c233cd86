package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/splax/sitedeploy/pkg/api/client"
)

type globalOptions struct {
	apiURL  string
	token   string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "deployctl",
		Short: "Operate site deployments on the sitedeploy orchestrator",
		Long: `deployctl submits site deployments to the sitedeploy orchestrator and
inspects their progress, agent logs and the tenant circuit breaker.`,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "deployctl version %s\n" .Version}}`)
	root.PersistentFlags().StringVar(&opts.apiURL, "api", "", "orchestrator API base URL (env DEPLOYCTL_API_URL)")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "operator bearer token (env DEPLOYCTL_TOKEN)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newLoginCmd(opts),
		newDeployCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newLogsCmd(opts),
		newCircuitCmd(opts),
		newVersionCmd(),
	)
	return root
}

// resolve merges flags, environment and the saved config, in that order.
func (o *globalOptions) resolve() (cliConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cliConfig{}, err
	}
	if v := strings.TrimSpace(os.Getenv("DEPLOYCTL_API_URL")); v != "" {
		cfg.APIBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DEPLOYCTL_TOKEN")); v != "" {
		cfg.AccessToken = v
	}
	if v := strings.TrimSpace(o.apiURL); v != "" {
		cfg.APIBaseURL = v
	}
	if v := strings.TrimSpace(o.token); v != "" {
		cfg.AccessToken = v
	}
	return cfg, nil
}

// session returns an API client and token for commands that need auth.
func (o *globalOptions) session() (*apiclient.Client, string, error) {
	cfg, err := o.resolve()
	if err != nil {
		return nil, "", err
	}
	if cfg.AccessToken == "" {
		return nil, "", errors.New("no token configured: run `deployctl login` or set DEPLOYCTL_TOKEN")
	}
	client, err := apiclient.New(cfg.APIBaseURL, apiclient.WithTimeout(o.timeout))
	if err != nil {
		return nil, "", err
	}
	return client, cfg.AccessToken, nil
}

func (o *globalOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}
