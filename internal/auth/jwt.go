package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload minted by the external auth collaborator.
// Subject carries the participant id; Name the display name.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v *JWTVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidCredentials
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(v.now))
	if err != nil || !parsed.Valid {
		return Identity{}, errors.Join(ErrInvalidCredentials, err)
	}

	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token missing sub claim", ErrInvalidCredentials)
	}

	return Identity{
		ParticipantID: claims.Subject,
		DisplayName:   claims.Name,
	}, nil
}
