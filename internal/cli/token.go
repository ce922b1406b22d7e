package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"adreport/internal/flags"
	"adreport/internal/server"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var tokenOpts struct {
	subject string
	ttl     time.Duration
}

// promptSecret reads the signing secret without echo. Tests replace it.
var promptSecret = func(w io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("ADREPORT_JWT_SECRET is not set and stdin is not a terminal")
	}
	fmt.Fprint(w, "JWT secret: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the HTTP trigger",
	Long: `Issue an HS256 bearer token for "adreport serve".

The signing secret is read from ADREPORT_JWT_SECRET, or prompted for on the
terminal when the variable is not set. It must match the server's secret.

Examples:
  adreport token --subject scheduler --ttl 720h
  curl -X POST -H "Authorization: Bearer $(adreport token)" http://localhost:8080/api/run
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("ADREPORT_JWT_SECRET")
		if secret == "" {
			var err error
			if secret, err = promptSecret(cmd.ErrOrStderr()); err != nil {
				return err
			}
		}
		secret = strings.TrimSpace(secret)
		tok, err := server.IssueToken(secret, tokenOpts.subject, tokenOpts.ttl, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenOpts.subject, flags.FlagSubject, "adreport", "Token subject")
	tokenCmd.Flags().DurationVar(&tokenOpts.ttl, flags.FlagTTL, 24*time.Hour, "Token lifetime (0 = no expiry)")
}
