package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/transaction_gateway/internal/guard"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer token tooling",
	}

	var (
		operator     string
		user         string
		applications []string
		projects     []string
		additional   []string
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for an operator",
		Long: `Issue a bearer token accepted by services with Authorize set.
Additional claims are given as key=json pairs and surface as "$key" input
fields, for example --claim 'Branch="0101"'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if operator == "" {
				return fmt.Errorf("--operator is required")
			}
			claims := &guard.Claims{
				UserID: user,
				Claim: guard.ClaimLists{
					AllowApplications: applications,
					AllowProjects:     projects,
				},
			}
			if claims.UserID == "" {
				claims.UserID = operator
			}
			extra, err := parseClaims(additional)
			if err != nil {
				return err
			}
			claims.Additional = extra

			token, err := guard.IssueToken(claims, operator)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&operator, "operator", "", "operator id the token is bound to")
	issue.Flags().StringVar(&user, "user", "", "user id claim (default operator)")
	issue.Flags().StringSliceVar(&applications, "application", nil, "allowed application ids")
	issue.Flags().StringSliceVar(&projects, "project", nil, "allowed project ids")
	issue.Flags().StringArrayVar(&additional, "claim", nil, "additional claim as key=json")

	cmd.AddCommand(issue)
	return cmd
}

func parseClaims(pairs []string) (map[string]json.RawMessage, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]json.RawMessage, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("claim %q must be key=json", p)
		}
		if !json.Valid([]byte(value)) {
			return nil, fmt.Errorf("claim %q value is not valid JSON", key)
		}
		out[key] = json.RawMessage(value)
	}
	return out, nil
}
