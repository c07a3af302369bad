package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/icdbridge/icdbridge/internal/config"
	"github.com/icdbridge/icdbridge/internal/domain/account"
	"github.com/icdbridge/icdbridge/internal/platform/auth"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireFlag(cmd *cobra.Command, name string) (string, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return v, nil
}

func dataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "Inspect reference data",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Build a snapshot from DATA_SOURCE and print its counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()

			ctx := cmd.Context()
			loader, err := newLoader(ctx, cfg, logger)
			if err != nil {
				return err
			}
			snap, err := loader.Load(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap.Summary())
		},
	})
	return cmd
}

// withAccounts opens persistent storage for an operator command. Memory
// storage is refused: anything written would vanish when the command exits.
func withAccounts(ctx context.Context, fn func(cfg *config.Config, st *stores) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage != "postgres" {
		return fmt.Errorf("account commands need STORAGE=postgres, got %q", cfg.Storage)
	}
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cfg, st)
}

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := requireFlag(cmd, "email")
			if err != nil {
				return err
			}
			password, err := requireFlag(cmd, "password")
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")
			tier, _ := cmd.Flags().GetString("tier")

			return withAccounts(cmd.Context(), func(_ *config.Config, st *stores) error {
				a, err := account.NewService(st.accounts).Register(cmd.Context(), account.RegisterInput{
					Email:    email,
					Password: password,
					FullName: name,
					Tier:     tier,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a)
			})
		},
	}
	createCmd.Flags().String("email", "", "Account email")
	createCmd.Flags().String("password", "", "Account password (min 8 characters)")
	createCmd.Flags().String("name", "", "Full name")
	createCmd.Flags().String("tier", account.TierFree, "Subscription tier (free, basic, pro, enterprise)")

	setTierCmd := &cobra.Command{
		Use:   "set-tier",
		Short: "Change an account's tier and subscription status",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := requireFlag(cmd, "email")
			if err != nil {
				return err
			}
			tier, err := requireFlag(cmd, "tier")
			if err != nil {
				return err
			}
			status, _ := cmd.Flags().GetString("status")

			return withAccounts(cmd.Context(), func(_ *config.Config, st *stores) error {
				svc := account.NewService(st.accounts)
				a, err := svc.GetByEmail(cmd.Context(), email)
				if err != nil {
					return err
				}
				if err := svc.SetSubscription(cmd.Context(), a.ID, tier, status); err != nil {
					return err
				}
				a, err = svc.Get(cmd.Context(), a.ID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a)
			})
		},
	}
	setTierCmd.Flags().String("email", "", "Account email")
	setTierCmd.Flags().String("tier", "", "Subscription tier")
	setTierCmd.Flags().String("status", account.SubscriptionActive, "Subscription status (none, active, past_due, canceled)")

	suspendCmd := &cobra.Command{
		Use:   "set-status",
		Short: "Suspend or reactivate an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := requireFlag(cmd, "email")
			if err != nil {
				return err
			}
			status, err := requireFlag(cmd, "status")
			if err != nil {
				return err
			}
			return withAccounts(cmd.Context(), func(_ *config.Config, st *stores) error {
				svc := account.NewService(st.accounts)
				a, err := svc.GetByEmail(cmd.Context(), email)
				if err != nil {
					return err
				}
				if err := svc.SetStatus(cmd.Context(), a.ID, status); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", a.Email, status)
				return nil
			})
		},
	}
	suspendCmd.Flags().String("email", "", "Account email")
	suspendCmd.Flags().String("status", "", "active or suspended")

	cmd.AddCommand(createCmd, setTierCmd, suspendCmd)
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := requireFlag(cmd, "email")
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")

			return withAccounts(cmd.Context(), func(_ *config.Config, st *stores) error {
				a, err := account.NewService(st.accounts).GetByEmail(cmd.Context(), email)
				if err != nil {
					return err
				}
				keys := auth.NewAPIKeyManager(st.keys, zerolog.Nop())
				key, raw, err := keys.GenerateKey(cmd.Context(), a.ID, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "key id: %s\nkey:    %s\n", key.ID, raw)
				fmt.Fprintln(cmd.ErrOrStderr(), "store this key now; it cannot be shown again")
				return nil
			})
		},
	}
	createCmd.Flags().String("email", "", "Account email")
	createCmd.Flags().String("name", "cli", "Key label")

	cmd.AddCommand(createCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := requireFlag(cmd, "email")
			if err != nil {
				return err
			}
			password, err := requireFlag(cmd, "password")
			if err != nil {
				return err
			}

			return withAccounts(cmd.Context(), func(cfg *config.Config, st *stores) error {
				if cfg.JWTSigningKey == "" {
					return fmt.Errorf("JWT_SIGNING_KEY must be set for tokens to be accepted by the server")
				}
				tokens, err := newTokenIssuer(cfg, zerolog.Nop())
				if err != nil {
					return err
				}
				a, err := account.NewService(st.accounts).VerifyPassword(cmd.Context(), email, password)
				if err != nil {
					return err
				}
				token, exp, err := tokens.Issue(a)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"access_token": token,
					"token_type":   "Bearer",
					"expires_at":   exp,
				})
			})
		},
	}
	cmd.Flags().String("email", "", "Account email")
	cmd.Flags().String("password", "", "Account password")
	return cmd
}
