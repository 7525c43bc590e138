package main

import (
	"fmt"
	"os"

	"github.com/cuemby/tether/pkg/api"
	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue API tokens",
	Long: `Issue API tokens signed with the server's (or a self-hosted runner's)
JWT secret. The secret is read from --secret or TETHER_JWT_SECRET.`,
}

var tokenRunnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Issue a runner token",
	Long: `Issue a long-lived token for a managed runner. The runner uses it both for
desired state requests and to authenticate its change stream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		issuer, err := issuerFromFlags(cmd)
		if err != nil {
			return err
		}
		tenant, err := uuidFlag(cmd, "workspace")
		if err != nil {
			return err
		}
		runnerID, err := uuidFlag(cmd, "runner")
		if err != nil {
			return err
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")

		token, err := issuer.IssueRunnerToken(types.RunnerIdentity{TenantID: tenant, RunnerID: runnerID}, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var tokenOperatorCmd = &cobra.Command{
	Use:   "operator",
	Short: "Issue an operator token for one workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		issuer, err := issuerFromFlags(cmd)
		if err != nil {
			return err
		}
		tenant, err := uuidFlag(cmd, "workspace")
		if err != nil {
			return err
		}
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		token, err := issuer.IssueOperatorToken(tenant, subject, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenRunnerCmd)
	tokenCmd.AddCommand(tokenOperatorCmd)

	tokenCmd.PersistentFlags().String("secret", "", "JWT signing secret (default $TETHER_JWT_SECRET)")
	tokenCmd.PersistentFlags().String("workspace", "", "Workspace (tenant) id")
	tokenCmd.PersistentFlags().Duration("ttl", 0, "Token lifetime; 0 never expires")
	_ = tokenCmd.MarkPersistentFlagRequired("workspace")

	tokenRunnerCmd.Flags().String("runner", "", "Runner id")
	_ = tokenRunnerCmd.MarkFlagRequired("runner")

	tokenOperatorCmd.Flags().String("subject", "operator", "Subject recorded in the token")
}

func issuerFromFlags(cmd *cobra.Command) (*api.TokenIssuer, error) {
	secret, _ := cmd.Flags().GetString("secret")
	if secret == "" {
		secret = os.Getenv("TETHER_JWT_SECRET")
	}
	if secret == "" {
		return nil, fmt.Errorf("--secret or TETHER_JWT_SECRET is required")
	}
	return api.NewTokenIssuer(secret)
}

func uuidFlag(cmd *cobra.Command, name string) (uuid.UUID, error) {
	value, _ := cmd.Flags().GetString(name)
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return id, nil
}
