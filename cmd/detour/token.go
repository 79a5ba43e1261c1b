package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"detour/internal/domain"
	"detour/internal/server"
)

type issuedToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

func issueToken(auth server.AuthConfig, userID, role string) (issuedToken, error) {
	role, err := server.ParseRole(role)
	if err != nil {
		return issuedToken{}, err
	}
	if userID == "" {
		userID = domain.NewID("anon_")
	}
	tok, expires, err := server.SignToken(auth, userID, "", role)
	if err != nil {
		return issuedToken{}, err
	}
	return issuedToken{Token: tok, UserID: userID, Role: role, ExpiresAt: expires}, nil
}

func tokenCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an API token with the configured secret",
		Long: `Sign a bearer token for the HTTP API. Operator tokens unlock venue,
signal, sync, payment, cleanup and event endpoints.`,
		Example: "  DETOUR_TOKEN_SECRET=... detour token --role operator --user-id ops",
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, err := authConfig()
			if err != nil {
				return err
			}
			tok, err := issueToken(auth, viper.GetString("user-id"), role)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(tok)
			}
			fmt.Println(tok.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", server.RoleOperator, "token role (device, operator)")
	return cmd
}
