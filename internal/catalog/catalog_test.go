package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	tbl := Default()
	assert.Greater(t, tbl.Len(), 0)
	assert.False(t, tbl.RequiresPremium("gpt-4o-mini"))
	assert.True(t, tbl.RequiresPremium("gpt-4o"))
	assert.False(t, tbl.RequiresPremium("  GPT-4o-Mini "), "ids are case-insensitive")
}

func TestUnknownModelIsPremium(t *testing.T) {
	tbl := Default()
	assert.True(t, tbl.RequiresPremium("some-new-model"))
	assert.True(t, tbl.RequiresPremium(""))
}

func TestParse(t *testing.T) {
	tbl, err := Parse([]byte(`
models:
  - id: cheap-chat
    premium: false
  - id: fancy-video
    premium: true
    kind: video
`))
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())

	c, ok := tbl.Lookup("cheap-chat")
	require.True(t, ok)
	assert.Equal(t, KindChat, c.Kind, "kind defaults to chat")
	assert.True(t, tbl.RequiresPremium("fancy-video"))
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"empty id", "models:\n  - id: ''\n", ErrEmptyModelID},
		{"duplicate", "models:\n  - id: a\n  - id: A\n", ErrDuplicateModel},
		{"bad kind", "models:\n  - id: a\n    kind: hologram\n", ErrInvalidKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Parse([]byte("models: [unclosed"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  - id: x\n    premium: false\n"), 0o600))

	tbl, err := Load(path)
	require.NoError(t, err)
	assert.False(t, tbl.RequiresPremium("x"))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestAllIsCopy(t *testing.T) {
	tbl := Default()
	all := tbl.All()
	all[0].RequiresPremium = !all[0].RequiresPremium
	c, _ := tbl.Lookup(all[0].ModelID)
	assert.NotEqual(t, all[0].RequiresPremium, c.RequiresPremium)
}
