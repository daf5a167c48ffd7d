package cli

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	jwttoken "storeops/internal/jwt_token"
	platformstrings "storeops/pkg/platform/strings"
	"storeops/pkg/requestcontext"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Actor        string
	Capabilities []string
	TTL          time.Duration
}

var knownCapabilities = []string{requestcontext.CapabilityEdit, requestcontext.CapabilityAudit}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for local development",
		Long: `Sign a bearer token with JWT_SIGNING_KEY for the given actor.

Example:
  storeops token --actor clerk-1 --capability edit
  storeops token --actor supervisor-1 --capability edit --capability audit --ttl 8h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := issueToken(opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Actor, "actor", "", "actor id (required)")
	cmd.Flags().StringSliceVar(&opts.Capabilities, "capability", nil, "capability to grant (edit|audit), repeatable")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func issueToken(opts *TokenOptions) (string, error) {
	if opts.Actor == "" {
		return "", errors.New("actor is required")
	}
	if opts.TTL <= 0 {
		return "", errors.New("ttl must be positive")
	}
	opts.Capabilities = platformstrings.Dedupe(opts.Capabilities, true)
	for _, c := range opts.Capabilities {
		if !slices.Contains(knownCapabilities, c) {
			return "", fmt.Errorf("unknown capability %q: must be one of %v", c, knownCapabilities)
		}
	}
	cfg := opts.config()
	svc := jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.Issuer)
	return svc.GenerateAccessToken(opts.Actor, opts.Capabilities, opts.TTL)
}

