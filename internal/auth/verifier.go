// Package auth verifies device and app bearer credentials. Token issuance and
// signing live in an external service; this package only validates.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/apperrors"
	"github.com/Future-Outlier/smart-glass-OS-system-AugmentOS-sub001/internal/domain"
)

// Verifier validates HMAC-signed tokens against the shared signing secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

var _ domain.TokenVerifier = (*Verifier)(nil)

type deviceClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type appClaims struct {
	PackageName string `json:"packageName"`
	APIKey      string `json:"apiKey"`
	jwt.RegisteredClaims
}

// VerifyDeviceToken validates a device bearer credential and yields the
// authenticated identity. The subject claim is the user id.
func (v *Verifier) VerifyDeviceToken(token string) (domain.Identity, error) {
	var claims deviceClaims
	if err := v.parse(token, &claims); err != nil {
		return domain.Identity{}, err
	}
	if claims.Subject == "" {
		return domain.Identity{}, apperrors.Auth("invalid_token", "token carries no identity")
	}
	return domain.Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// VerifyAppToken validates a signed app credential carrying the package name
// and api key.
func (v *Verifier) VerifyAppToken(token string) (domain.AppClaims, error) {
	var claims appClaims
	if err := v.parse(token, &claims); err != nil {
		return domain.AppClaims{}, err
	}
	if claims.PackageName == "" || claims.APIKey == "" {
		return domain.AppClaims{}, apperrors.Auth("invalid_app_token", "app credential missing packageName or apiKey")
	}
	return domain.AppClaims{PackageName: claims.PackageName, APIKey: claims.APIKey}, nil
}

func (v *Verifier) parse(token string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return apperrors.Auth("expired_token", "credential has expired")
		}
		return apperrors.Auth("invalid_token", "credential verification failed")
	}
	return nil
}
