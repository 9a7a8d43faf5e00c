package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var (
		userID int64
		code   string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange the admin code for an access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID <= 0 {
				return errors.New("--user is required")
			}
			secret := strings.TrimSpace(code)
			if secret == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Admin code: ")
				data, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					return fmt.Errorf("read admin code: %w", err)
				}
				secret = string(data)
			}

			s, err := opts.session(false)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			token, err := s.client.Login(ctx, userID, secret)
			if err != nil {
				return err
			}
			s.cfg.APIBaseURL = opts.baseURL(s.cfg)
			s.cfg.AccessToken = token.AccessToken
			if err := saveConfig(s.cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "login successful, token valid for %s\n", token.ExpiresIn)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "Telegram user id of the admin")
	cmd.Flags().StringVar(&code, "code", "", "Admin code (prompted when omitted)")
	return cmd
}
