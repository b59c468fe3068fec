// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package main

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tether-dev/tether/internal/secrets"
	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// memSecrets is an in-memory secrets.Store for command tests.
type memSecrets struct {
	data map[string]string
}

func newMemSecrets() *memSecrets {
	return &memSecrets{data: map[string]string{}}
}

func (m *memSecrets) Store(service, key, value string) error {
	m.data[service+"/"+key] = value
	return nil
}

func (m *memSecrets) Retrieve(service, key string) (string, error) {
	v, ok := m.data[service+"/"+key]
	if !ok {
		return "", tetherr.Errorf(tetherr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	}
	return v, nil
}

func (m *memSecrets) Delete(service, key string) error {
	if _, ok := m.data[service+"/"+key]; !ok {
		return tetherr.Errorf(tetherr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	}
	delete(m.data, service+"/"+key)
	return nil
}

func (m *memSecrets) List(service string) ([]string, error) {
	var keys []string
	prefix := service + "/"
	for k := range m.data {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k[len(prefix):])
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func withMemSecrets(t *testing.T) *memSecrets {
	t.Helper()

	mem := newMemSecrets()
	old := secretStoreFactory
	secretStoreFactory = func() secrets.Store { return mem }
	t.Cleanup(func() { secretStoreFactory = old })
	return mem
}

func runSecret(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(append([]string{"secret"}, args...))
	err := root.Execute()
	return buf.String(), err
}

func TestSecretSetAndList(t *testing.T) {
	mem := withMemSecrets(t)

	out, err := runSecret(t, "set", "anthropic-api-key", "sk-test-1")
	require.NoError(t, err)
	assert.Contains(t, out, "keyring://tether/anthropic-api-key")
	assert.Equal(t, "sk-test-1", mem.data["tether/anthropic-api-key"])

	out, err = runSecret(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "anthropic-api-key")
}

func TestSecretListEmpty(t *testing.T) {
	withMemSecrets(t)

	out, err := runSecret(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No secrets stored.")
}

func TestSecretDelete(t *testing.T) {
	mem := withMemSecrets(t)
	mem.data["tether/old-key"] = "v"

	out, err := runSecret(t, "delete", "old-key")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted secret: old-key")
	assert.Empty(t, mem.data)
}

func TestSecretDeleteNotFound(t *testing.T) {
	withMemSecrets(t)

	_, err := runSecret(t, "delete", "missing")
	require.Error(t, err)
	assert.True(t, tetherr.HasCode(err, tetherr.CodeSecretNotFound))
}
