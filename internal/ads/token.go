package ads

import (
	"errors"
	"os"
	"strings"
)

type TokenSource string

const TokenSourceExplicit TokenSource = "explicit"

// ErrNoToken is returned when no credential could be resolved.
var ErrNoToken = errors.New("no access token configured")

// ResolveToken resolves an ads API credential.
//
// Precedence:
//  1. provided (if non-empty)
//  2. the first non-empty environment variable in envKeys
//
// Tokens are never refreshed; an expired token surfaces as an auth_error on
// the first request. It never prints the token.
func ResolveToken(provided string, envKeys ...string) (token string, source TokenSource, err error) {
	if tok := strings.TrimSpace(provided); tok != "" {
		if err := checkToken(tok); err != nil {
			return "", "", err
		}
		return tok, TokenSourceExplicit, nil
	}
	for _, key := range envKeys {
		if env := strings.TrimSpace(os.Getenv(key)); env != "" {
			if err := checkToken(env); err != nil {
				return "", "", err
			}
			return env, TokenSource("env:" + key), nil
		}
	}
	return "", "", ErrNoToken
}

func checkToken(tok string) error {
	// Basic sanity: tokens must not contain whitespace.
	if strings.ContainsAny(tok, " \t\n\r") {
		return errors.New("invalid token: contains whitespace")
	}
	return nil
}
