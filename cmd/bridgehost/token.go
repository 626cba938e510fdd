package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-bridgehost/internal/auth"
	"github.com/nerrad567/gray-logic-bridgehost/internal/infrastructure/config"
)

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		role       string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for the management API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				configPath = getConfigPath()
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Security.JWT.Secret == "" {
				return errors.New("security.jwt.secret is not set; the API accepts unauthenticated requests")
			}

			r, err := auth.ParseRole(role)
			if err != nil {
				return fmt.Errorf("%w: %q", err, role)
			}
			token, err := auth.GenerateToken(subject, r, cfg.Security.JWT.Secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (default $BRIDGEHOST_CONFIG or "+defaultConfigPath+")")
	flags.StringVar(&subject, "subject", "operator", "token subject, recorded in control logs")
	flags.StringVar(&role, "role", string(auth.RoleOperator), "viewer or operator")
	flags.DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	return cmd
}
