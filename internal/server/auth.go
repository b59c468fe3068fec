// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tether-dev/tether/internal/config"
	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// tokenValidator checks bearer tokens against the configured set. Tokens
// are stored and compared as SHA-256 hashes; every configured hash is
// checked on every request so timing does not reveal which token matched.
type tokenValidator struct {
	hashes [][32]byte
	names  []string
}

func newTokenValidator(tokens []config.TokenConfig) (*tokenValidator, error) {
	if len(tokens) == 0 {
		return nil, tetherr.New(tetherr.CodeConfigValidateInvalidValue,
			"ops server requires at least one bearer token")
	}

	v := &tokenValidator{}
	for _, t := range tokens {
		if t.Token == "" {
			return nil, tetherr.New(tetherr.CodeConfigValidateInvalidValue,
				"ops server token must not be empty")
		}
		v.hashes = append(v.hashes, sha256.Sum256([]byte(t.Token)))
		v.names = append(v.names, t.Name)
	}
	return v, nil
}

// validate returns the configured name for the presented token, or false.
func (v *tokenValidator) validate(presented string) (string, bool) {
	hash := sha256.Sum256([]byte(presented))

	matched := -1
	for i := range v.hashes {
		if subtle.ConstantTimeCompare(v.hashes[i][:], hash[:]) == 1 && matched == -1 {
			matched = i
		}
	}
	if matched == -1 {
		return "", false
	}
	return v.names[matched], true
}

// authMiddleware enforces bearer-token auth on the protected routes.
func authMiddleware(validator *tokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, tetherr.New(tetherr.CodeServerAuthUnauthorized, "missing bearer token"))
				return
			}

			name, ok := validator.validate(token)
			if !ok {
				logger.Warn("ops request with invalid token",
					"path", r.URL.Path,
					"remote", r.RemoteAddr)
				writeError(w, tetherr.New(tetherr.CodeServerAuthUnauthorized, "invalid token"))
				return
			}

			logger.Debug("ops request authorized", "token_name", name, "path", r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}
