// Package turnrest mints coturn-compatible TURN REST credentials.
//
// See:
//   - https://github.com/coturn/coturn/wiki/turnserver
//   - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<participant_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed from the server clock in UTC: now + ttl_seconds.
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time
}

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.ContainsRune(cfg.UsernamePrefix, ':') {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate mints credentials scoped to a participant id. The id lands in the
// TURN username, which keeps coturn logs attributable.
func (g *Generator) Generate(participantID string) (Credentials, error) {
	if participantID == "" {
		return Credentials{}, errors.New("participantID is required")
	}
	if strings.ContainsRune(participantID, ':') {
		return Credentials{}, errors.New("participantID must not contain ':'")
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, participantID)
	return Credentials{
		Username:   username,
		Credential: signUsername(g.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

// GenerateAnonymous mints credentials with a random identifier, for callers
// that request ICE servers before an identity is established.
func (g *Generator) GenerateAnonymous() (Credentials, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Credentials{}, err
	}
	return g.Generate(hex.EncodeToString(b[:]))
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
