// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

// Package secrets keeps credentials such as the agent API key out of config
// files. Values may be stored in the OS keyring and referenced from
// configuration as keyring://service/key URIs.
package secrets

// Store provides secret storage operations. Implementations may use OS
// keyrings, encrypted files, or other backends.
type Store interface {
	// Store saves a secret value under the given service and key.
	Store(service, key, value string) error

	// Retrieve fetches the secret value for the given service and key.
	// Returns a CodeSecretNotFound error if the key does not exist.
	Retrieve(service, key string) (string, error)

	// Delete removes the secret for the given service and key.
	// Returns a CodeSecretNotFound error if the key does not exist.
	Delete(service, key string) error

	// List returns all key names stored under the given service.
	List(service string) ([]string, error)
}
