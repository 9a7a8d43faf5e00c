package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/Galaxerum/dif-bot/pkg/api/client"
)

// version is set at build time via -ldflags.
var version = "dev"

const defaultAPIBase = "http://localhost:4000"

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

type rootOptions struct {
	api     string
	json    bool
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "difctl",
		Short:         "Operate difbot team distribution",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&opts.api, "api", "", "API base URL (default from config or "+defaultAPIBase+")")
	f.BoolVar(&opts.json, "json", false, "Print JSON instead of tables")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")

	root.AddCommand(
		newLoginCmd(opts),
		newColorsCmd(opts),
		newDistributeCmd(opts),
		newSimulateCmd(opts),
		newTeamsCmd(opts),
		newParticipantsCmd(opts),
	)
	return root
}

// session couples the stored config with a ready client.
type session struct {
	cfg    cliConfig
	client *apiclient.Client
	token  string
}

func (o *rootOptions) baseURL(cfg cliConfig) string {
	if strings.TrimSpace(o.api) != "" {
		return strings.TrimSpace(o.api)
	}
	if cfg.APIBaseURL != "" {
		return cfg.APIBaseURL
	}
	return defaultAPIBase
}

func (o *rootOptions) session(requireToken bool) (session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return session{}, err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if requireToken && token == "" {
		return session{}, errors.New("please login first using 'difctl login'")
	}
	client, err := apiclient.New(o.baseURL(cfg))
	if err != nil {
		return session{}, err
	}
	return session{cfg: cfg, client: client, token: token}, nil
}

func (o *rootOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if override := strings.TrimSpace(os.Getenv("DIFCTL_CONFIG")); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "difbot", "config.json"), nil
}
