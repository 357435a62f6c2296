package credentials

import (
	"errors"
	"os"
	"testing"

	"gwsession/gwerrors"
)

func TestLoadApplicationCredentialsFromEnvSuccess(t *testing.T) {
	t.Setenv("client_id", "abc123")
	t.Setenv("client_secret", "shh")

	creds, err := LoadApplicationCredentialsFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.ClientID != "abc123" || creds.ClientSecret != "shh" {
		t.Errorf("unexpected credentials: %+v", creds)
	}
}

func TestLoadApplicationCredentialsFromEnvMissingReturnsConfigurationError(t *testing.T) {
	os.Unsetenv("client_id")
	os.Unsetenv("client_secret")

	_, err := LoadApplicationCredentialsFromEnv()
	if !errors.Is(err, gwerrors.Configuration) {
		t.Fatalf("got err %v, want gwerrors.Configuration", err)
	}
}

func TestLoadAccountCredentialsFromEnvSuccess(t *testing.T) {
	t.Setenv("account_id", "42")
	t.Setenv("access_token", "tok")
	t.Setenv("token_type", "bearer")
	t.Setenv("expires_in", "3600")
	t.Setenv("refresh_token", "refresh")

	creds, err := LoadAccountCredentialsFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.AccountID != 42 || creds.ExpiresIn != 3600 {
		t.Errorf("unexpected credentials: %+v", creds)
	}
}

func TestLoadAccountCredentialsFromEnvBadAccountIDReturnsConfigurationError(t *testing.T) {
	t.Setenv("account_id", "not-a-number")
	t.Setenv("access_token", "tok")
	t.Setenv("token_type", "bearer")
	t.Setenv("expires_in", "3600")
	t.Setenv("refresh_token", "refresh")

	_, err := LoadAccountCredentialsFromEnv()
	if !errors.Is(err, gwerrors.Configuration) {
		t.Fatalf("got err %v, want gwerrors.Configuration", err)
	}
}

func TestLoadAccountCredentialsFromEnvMissingFieldReturnsConfigurationError(t *testing.T) {
	t.Setenv("account_id", "42")
	t.Setenv("access_token", "tok")
	t.Setenv("token_type", "bearer")
	os.Unsetenv("expires_in")
	t.Setenv("refresh_token", "refresh")

	_, err := LoadAccountCredentialsFromEnv()
	if !errors.Is(err, gwerrors.Configuration) {
		t.Fatalf("got err %v, want gwerrors.Configuration", err)
	}
}
