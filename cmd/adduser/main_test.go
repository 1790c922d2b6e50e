package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runAdduser(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	stdout := new(bytes.Buffer)
	err := run(args, bytes.NewBufferString(stdin), stdout, new(bytes.Buffer))
	return stdout.String(), err
}

func TestRun_Success(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fintrack.db")

	out, err := runAdduser(t, "", "-user", "alice", "-email", "alice@example.com", "-password", "secret", "-db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "User alice created successfully")
}

func TestRun_Duplicates(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fintrack.db")

	_, err := runAdduser(t, "", "-user", "alice", "-email", "alice@example.com", "-password", "secret", "-db", dbPath)
	require.NoError(t, err)

	_, err = runAdduser(t, "", "-user", "alice", "-email", "other@example.com", "-password", "secret", "-db", dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user alice already exists")

	_, err = runAdduser(t, "", "-user", "bob", "-email", "alice@example.com", "-password", "secret", "-db", dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email alice@example.com already exists")
}

func TestRun_MissingFlags(t *testing.T) {
	out, err := runAdduser(t, "", "-user", "alice", "-password", "secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required flags")
	assert.Contains(t, out, "Usage:")
}

func TestRun_InteractivePassword(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fintrack.db")

	out, err := runAdduser(t, "interactive_secret\n", "-user", "carol", "-email", "carol@example.com", "-db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Password: ")
	assert.Contains(t, out, "User carol created successfully")
}

func TestRun_EmptyPassword(t *testing.T) {
	_, err := runAdduser(t, "\n", "-user", "dave", "-email", "dave@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password cannot be empty")
}

func TestRun_InvalidEmail(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fintrack.db")

	_, err := runAdduser(t, "", "-user", "erin", "-email", "not-an-address", "-password", "secret", "-db", dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create user")
}

func TestRun_EnvVarPath(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "env.db")
	t.Setenv("SQLITE_DB_PATH", dbPath)

	_, err := runAdduser(t, "", "-user", "frank", "-email", "frank@example.com", "-password", "secret")
	require.NoError(t, err)
	assert.FileExists(t, dbPath)
}

func TestRun_InvalidDBPath(t *testing.T) {
	_, err := runAdduser(t, "", "-user", "gina", "-email", "gina@example.com", "-password", "secret", "-db", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open database")
}

func TestRun_InvalidFlag(t *testing.T) {
	_, err := runAdduser(t, "", "-invalid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flag provided but not defined")
}
