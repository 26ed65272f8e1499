package curriculum

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinLookup(t *testing.T) {
	c := Builtin()
	u, ok := c.Lookup("sequences")
	require.True(t, ok)
	assert.Equal(t, "수열", u.Name)

	_, ok = c.Lookup("quantum_field_theory")
	assert.False(t, ok)
	assert.Contains(t, c.Tags(), "differentiation")
}

func TestDescribe(t *testing.T) {
	c := Builtin()
	out := c.Describe([]string{"sequences", "mystery_tag"})
	assert.Contains(t, out, "수열 (sequences, 고2)")
	assert.Contains(t, out, "mystery_tag")
	assert.Empty(t, c.Describe(nil))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "units.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
units:
  - tag: matrices
    name: 행렬
    grade: 고2
    description: matrix operations
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	u, ok := c.Lookup("matrices")
	require.True(t, ok)
	assert.Equal(t, "행렬", u.Name)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("units: []\n"), 0o600))
	_, err = Load(path)
	require.Error(t, err)
}
