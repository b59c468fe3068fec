// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package secrets

import (
	"strings"

	tetherr "github.com/tether-dev/tether/pkg/errors"
)

const keyringScheme = "keyring://"

// IsKeyringURI reports whether value uses the keyring:// URI scheme.
func IsKeyringURI(value string) bool {
	return strings.HasPrefix(value, keyringScheme)
}

// ParseKeyringURI extracts service and key from a keyring://service/key URI.
func ParseKeyringURI(uri string) (service, key string, err error) {
	if !IsKeyringURI(uri) {
		return "", "", tetherr.Errorf(tetherr.CodeSecretInvalidInput, "not a keyring URI: %q", uri)
	}

	parts := strings.SplitN(strings.TrimPrefix(uri, keyringScheme), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", tetherr.Errorf(tetherr.CodeSecretInvalidInput,
			"invalid keyring URI %q: expected keyring://service/key", uri)
	}
	return parts[0], parts[1], nil
}

// Resolve returns the secret a keyring:// URI points at, or the value
// unchanged when it is not a keyring URI. Config fields holding credentials
// (agent.api_key, server token entries) pass through here at startup.
func Resolve(store Store, value string) (string, error) {
	if !IsKeyringURI(value) {
		return value, nil
	}

	service, key, err := ParseKeyringURI(value)
	if err != nil {
		return "", err
	}

	secret, err := store.Retrieve(service, key)
	if err != nil {
		return "", tetherr.Wrapf(err, tetherr.CodeSecretStoreFailure, "resolving keyring URI %q", value)
	}
	return secret, nil
}
