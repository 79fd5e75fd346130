package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTenantRootScaffolding(t *testing.T) {
	base := t.TempDir()
	root, err := CreateTenantRoot(base, "acme")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "acme", "user"), root)

	for _, p := range []string{
		filepath.Join(root, "configs", "user"),
		filepath.Join(root, "strategies"),
		filepath.Join(root, "shared"),
	} {
		fi, err := os.Stat(p)
		require.NoError(t, err, p)
		assert.True(t, fi.IsDir())
	}

	var account map[string]any
	data, err := os.ReadFile(filepath.Join(root, "configs", "account.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &account))
	exch := account["exchange"].(map[string]any)
	assert.Equal(t, "binance", exch["name"])
	assert.Equal(t, "", exch["key"])
}

func TestCreateTenantRootIdempotent(t *testing.T) {
	base := t.TempDir()
	root, err := CreateTenantRoot(base, "acme")
	require.NoError(t, err)

	// 手工改动后重复创建不得覆盖
	accPath := filepath.Join(root, "configs", "account.json")
	require.NoError(t, os.WriteFile(accPath, []byte(`{"exchange":{"key":"real"}}`), 0o644))

	_, err = CreateTenantRoot(base, "acme")
	require.NoError(t, err)
	data, err := os.ReadFile(accPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "real")
}

func TestCreateInstanceRootScaffolding(t *testing.T) {
	base := t.TempDir()
	tenantRoot, err := CreateTenantRoot(base, "acme")
	require.NoError(t, err)

	instRoot, err := CreateInstanceRoot(tenantRoot, "alpha")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "acme", "bots", "alpha", "user_data"), instRoot)

	for _, name := range []string{"bot.json", "live.json", "dryrun.json", "backstage.json"} {
		_, err := os.Stat(filepath.Join(instRoot, "configs", name))
		assert.NoError(t, err, name)
	}
	for _, dir := range []string{"strategies", "logs", "data"} {
		fi, err := os.Stat(filepath.Join(instRoot, dir))
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}

	var overlay map[string]any
	data, err := os.ReadFile(filepath.Join(instRoot, "configs", "live.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &overlay))
	assert.Equal(t, false, overlay["dry_run"])
}

func TestTenantRootOf(t *testing.T) {
	base := t.TempDir()
	tenantRoot, err := CreateTenantRoot(base, "acme")
	require.NoError(t, err)
	instRoot, err := CreateInstanceRoot(tenantRoot, "alpha")
	require.NoError(t, err)

	assert.Equal(t, tenantRoot, TenantRootOf(instRoot))
}
