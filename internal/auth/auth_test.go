package auth

import (
	"errors"
	"net/url"
	"testing"

	"github.com/collabra/callmesh/internal/config"
)

func TestAPIKeyVerifier(t *testing.T) {
	t.Parallel()

	v := APIKeyVerifier{Expected: "secret-key"}

	if _, err := v.Verify("secret-key"); err != nil {
		t.Fatalf("matching key rejected: %v", err)
	}
	if _, err := v.Verify("wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong key: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := v.Verify(""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty key: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := (APIKeyVerifier{}).Verify("anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatal("empty expected key must reject everything")
	}
}

func TestNewVerifierModes(t *testing.T) {
	t.Parallel()

	if _, err := NewVerifier(config.Config{AuthMode: config.AuthModeNone}); err != nil {
		t.Fatalf("none mode: %v", err)
	}
	if _, err := NewVerifier(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "k"}); err != nil {
		t.Fatalf("api_key mode: %v", err)
	}
	if _, err := NewVerifier(config.Config{AuthMode: config.AuthModeJWT, JWTSecret: "s"}); err != nil {
		t.Fatalf("jwt mode: %v", err)
	}
	if _, err := NewVerifier(config.Config{AuthMode: "bogus"}); err == nil {
		t.Fatal("bogus mode should fail")
	}
}

func TestCredentialFromQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mode    config.AuthMode
		query   string
		want    string
		wantErr error
	}{
		{name: "none mode ignores credentials", mode: config.AuthModeNone, query: "", want: ""},
		{name: "api key present", mode: config.AuthModeAPIKey, query: "apiKey=abc", want: "abc"},
		{name: "api key missing", mode: config.AuthModeAPIKey, query: "token=abc", wantErr: ErrMissingCredentials},
		{name: "jwt present", mode: config.AuthModeJWT, query: "token=xyz", want: "xyz"},
		{name: "jwt missing", mode: config.AuthModeJWT, query: "apiKey=xyz", wantErr: ErrMissingCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			got, err := CredentialFromQuery(tt.mode, q)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("credential = %q, want %q", got, tt.want)
			}
		})
	}
}
