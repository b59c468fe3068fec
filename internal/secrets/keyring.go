// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package secrets

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/zalando/go-keyring"

	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// indexSuffix forms the key under which the JSON index of stored key names
// is kept per service. go-keyring cannot enumerate keys natively.
const indexSuffix = "::keys-index"

// KeyringStore implements Store on the OS keyring: Keychain on macOS,
// secret-service (D-Bus) on Linux, Credential Manager on Windows.
type KeyringStore struct{}

func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

func (s *KeyringStore) Store(service, key, value string) error {
	if err := checkArgs(service, key); err != nil {
		return err
	}

	if err := keyring.Set(service, key, value); err != nil {
		return tetherr.Wrapf(err, tetherr.CodeSecretStoreFailure, "storing secret %s/%s", service, key)
	}
	return s.indexAdd(service, key)
}

func (s *KeyringStore) Retrieve(service, key string) (string, error) {
	if err := checkArgs(service, key); err != nil {
		return "", err
	}

	val, err := keyring.Get(service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", tetherr.Errorf(tetherr.CodeSecretNotFound, "secret %s/%s not found", service, key)
		}
		return "", tetherr.Wrapf(err, tetherr.CodeSecretStoreFailure, "retrieving secret %s/%s", service, key)
	}
	return val, nil
}

func (s *KeyringStore) Delete(service, key string) error {
	if err := checkArgs(service, key); err != nil {
		return err
	}

	if err := keyring.Delete(service, key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return tetherr.Errorf(tetherr.CodeSecretNotFound, "secret %s/%s not found", service, key)
		}
		return tetherr.Wrapf(err, tetherr.CodeSecretDeleteFailure, "deleting secret %s/%s", service, key)
	}
	return s.indexRemove(service, key)
}

func (s *KeyringStore) List(service string) ([]string, error) {
	return s.loadIndex(service)
}

func checkArgs(service, key string) error {
	if service == "" {
		return tetherr.New(tetherr.CodeSecretInvalidInput, "secret service must not be empty")
	}
	if key == "" {
		return tetherr.New(tetherr.CodeSecretInvalidInput, "secret key must not be empty")
	}
	return nil
}

func (s *KeyringStore) loadIndex(service string) ([]string, error) {
	raw, err := keyring.Get(service, service+indexSuffix)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, tetherr.Wrapf(err, tetherr.CodeSecretListFailure, "loading key index for service %s", service)
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, tetherr.Wrapf(err, tetherr.CodeSecretListFailure, "decoding key index for service %s", service)
	}
	return keys, nil
}

func (s *KeyringStore) saveIndex(service string, keys []string) error {
	indexKey := service + indexSuffix

	if len(keys) == 0 {
		if err := keyring.Delete(service, indexKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			slog.Debug("failed to remove empty key index", "service", service, "error", err)
		}
		return nil
	}

	data, err := json.Marshal(keys)
	if err != nil {
		return tetherr.Wrapf(err, tetherr.CodeSecretListFailure, "encoding key index for service %s", service)
	}
	if err := keyring.Set(service, indexKey, string(data)); err != nil {
		return tetherr.Wrapf(err, tetherr.CodeSecretListFailure, "saving key index for service %s", service)
	}
	return nil
}

// indexAdd records key in the service index. Idempotent.
func (s *KeyringStore) indexAdd(service, key string) error {
	keys, err := s.loadIndex(service)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k == key {
			return nil
		}
	}
	return s.saveIndex(service, append(keys, key))
}

func (s *KeyringStore) indexRemove(service, key string) error {
	keys, err := s.loadIndex(service)
	if err != nil {
		return err
	}
	kept := keys[:0]
	for _, k := range keys {
		if k != key {
			kept = append(kept, k)
		}
	}
	return s.saveIndex(service, kept)
}
