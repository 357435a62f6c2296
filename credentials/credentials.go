// Package credentials holds the two credential shapes a Session
// authenticates with, plus environment-variable loaders for each.
//
// Unlike the original loaders this port is modeled on — which panic via
// Rust's .expect() when a variable is missing or unparsable — the
// Load*FromEnv functions here return a gwerrors.Configuration error. A client library must never
// panic on missing external configuration; a caller can recover from a
// returned error, never from a panic it didn't choose to invoke.
package credentials

import (
	"fmt"
	"os"
	"strconv"

	"gwsession/gwerrors"
)

// ApplicationCredentials identifies the client application registered with
// the gateway.
type ApplicationCredentials struct {
	ClientID     string
	ClientSecret string
}

// LoadApplicationCredentialsFromEnv reads client_id and client_secret.
func LoadApplicationCredentialsFromEnv() (ApplicationCredentials, error) {
	clientID, err := requireEnv("client_id")
	if err != nil {
		return ApplicationCredentials{}, err
	}
	clientSecret, err := requireEnv("client_secret")
	if err != nil {
		return ApplicationCredentials{}, err
	}
	return ApplicationCredentials{ClientID: clientID, ClientSecret: clientSecret}, nil
}

// AccountCredentials identifies the trading account and carries its OAuth
// token set. AccessToken, TokenType, ExpiresIn, and RefreshToken are
// mutated in place by a successful token refresh.
type AccountCredentials struct {
	AccountID    int64
	AccessToken  string
	TokenType    string
	ExpiresIn    uint64
	RefreshToken string
}

// LoadAccountCredentialsFromEnv reads account_id, access_token, token_type,
// expires_in, and refresh_token.
func LoadAccountCredentialsFromEnv() (AccountCredentials, error) {
	accountIDStr, err := requireEnv("account_id")
	if err != nil {
		return AccountCredentials{}, err
	}
	accountID, err := strconv.ParseInt(accountIDStr, 10, 64)
	if err != nil {
		return AccountCredentials{}, fmt.Errorf("%w: account_id %q is not an integer", gwerrors.Configuration, accountIDStr)
	}

	accessToken, err := requireEnv("access_token")
	if err != nil {
		return AccountCredentials{}, err
	}
	tokenType, err := requireEnv("token_type")
	if err != nil {
		return AccountCredentials{}, err
	}

	expiresInStr, err := requireEnv("expires_in")
	if err != nil {
		return AccountCredentials{}, err
	}
	expiresIn, err := strconv.ParseUint(expiresInStr, 10, 64)
	if err != nil {
		return AccountCredentials{}, fmt.Errorf("%w: expires_in %q is not an unsigned integer", gwerrors.Configuration, expiresInStr)
	}

	refreshToken, err := requireEnv("refresh_token")
	if err != nil {
		return AccountCredentials{}, err
	}

	return AccountCredentials{
		AccountID:    accountID,
		AccessToken:  accessToken,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		RefreshToken: refreshToken,
	}, nil
}

func requireEnv(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: missing %s in environment", gwerrors.Configuration, key)
	}
	return v, nil
}
