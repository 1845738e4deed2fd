// Package auth verifies bearer tokens on the review and rollback endpoints.
package auth

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for missing or unverifiable credentials.
var ErrUnauthorized = errors.New("authentication required")

// Verifier checks review credentials: a bearer token signed by one of the
// configured public keys and carrying the review scope. With DevAllowLocal
// set, the X-Local-Dev-Principal header is trusted instead.
type Verifier struct {
	scope         string
	devAllowLocal bool
	keys          []interface{}
}

type Options struct {
	KeysFile      string
	Scope         string
	DevAllowLocal bool
}

func NewVerifier(opts Options) (*Verifier, error) {
	v := &Verifier{scope: opts.Scope, devAllowLocal: opts.DevAllowLocal}
	if opts.KeysFile != "" {
		keys, err := loadKeys(opts.KeysFile)
		if err != nil {
			return nil, fmt.Errorf("load review keys: %w", err)
		}
		v.keys = keys
	}
	return v, nil
}

func loadKeys(path string) ([]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys []interface{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				continue
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no public keys in %s", path)
	}
	return keys, nil
}

// VerifyRequest authenticates r and returns the acting principal.
func (v *Verifier) VerifyRequest(r *http.Request) (string, error) {
	if v.devAllowLocal {
		if principal := r.Header.Get("X-Local-Dev-Principal"); principal != "" {
			return principal, nil
		}
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return v.verifyToken(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return "", ErrUnauthorized
}

func (v *Verifier) verifyToken(tokenStr string) (string, error) {
	if len(v.keys) == 0 {
		return "", fmt.Errorf("%w: no review keys configured", ErrUnauthorized)
	}

	// PEM files carry no key IDs, so try every configured key.
	var token *jwt.Token
	var err error
	for _, key := range v.keys {
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err == nil && token.Valid {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return "", ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid claims", ErrUnauthorized)
	}
	if !v.hasScope(claims) {
		return "", fmt.Errorf("%w: missing scope %s", ErrUnauthorized, v.scope)
	}
	principal, _ := claims.GetSubject()
	if principal == "" {
		principal = "unknown"
	}
	return principal, nil
}

// hasScope accepts either a space-delimited scope claim or a roles array.
func (v *Verifier) hasScope(claims jwt.MapClaims) bool {
	if scope, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			if s == v.scope {
				return true
			}
		}
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == v.scope {
				return true
			}
		}
	}
	return false
}
