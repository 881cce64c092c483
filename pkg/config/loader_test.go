package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_PlaceholdersAndOverlay(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(`
db:
  host: ${LOADER_TEST_HOST}
  password: ${LOADER_TEST_PASSWORD}
  user: app
hosts:
  - ${LOADER_TEST_HOST}
  - static
missing: ${LOADER_TEST_UNSET}
literal: pa$$word
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prod.yaml"), []byte("db:\n  user: prod\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.env"), []byte("# comment\nLOADER_TEST_PASSWORD=\"s3cret\"\n"), 0o600))

	t.Setenv("LOADER_TEST_HOST", "db.internal")
	t.Setenv("LOADER_TEST_PASSWORD", "from-env")

	cfg, err := LoadConfig("prod", dir)
	require.NoError(t, err)

	db := cfg["db"].(map[string]interface{})
	assert.Equal(t, "db.internal", db["host"])
	assert.Equal(t, "s3cret", db["password"], "secrets.env wins over process env")
	assert.Equal(t, "prod", db["user"])
	assert.Equal(t, []interface{}{"db.internal", "static"}, cfg["hosts"])
	assert.Equal(t, "", cfg["missing"])
	assert.Equal(t, "pa$$word", cfg["literal"])
}

func TestLoadConfig_MissingBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	assert.Error(t, err)
}
