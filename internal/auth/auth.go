// Package auth verifies the identity credential a client presents when
// opening a signaling channel.
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/collabra/callmesh/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Identity is what a verified credential says about the caller. For api_key
// and none modes the fields are empty and the caller's self-reported
// participant id / display name from the connection URL are used instead.
type Identity struct {
	ParticipantID string
	DisplayName   string
}

type Verifier interface {
	Verify(credential string) (Identity, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return AllowAllVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// AllowAllVerifier admits every connection. Dev mode only.
type AllowAllVerifier struct{}

func (AllowAllVerifier) Verify(string) (Identity, error) {
	return Identity{}, nil
}

// CredentialFromQuery extracts the credential for the configured mode from
// the connection URL's query parameters.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}
