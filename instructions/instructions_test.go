package instructions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/c360studio/backtest/lens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_Validation(t *testing.T) {
	_, err := NewRegistry([]Section{{File: "a.md"}})
	assert.Error(t, err)

	_, err = NewRegistry([]Section{{ID: "a"}})
	assert.Error(t, err)

	_, err = NewRegistry([]Section{{ID: "a", File: "a.md"}, {ID: "a", File: "b.md"}})
	assert.Error(t, err)

	r, err := NewRegistry(DefaultSections())
	require.NoError(t, err)
	s, ok := r.Lookup("blind_spots")
	require.True(t, ok)
	assert.Equal(t, "core/blind_spots.md", s.File)
}

func TestRegistry_ActiveFor(t *testing.T) {
	r, err := NewRegistry([]Section{
		{ID: "core", File: "core.md"},
		{ID: "lens_gottman", File: "g.md", Lens: lens.Gottman},
		{ID: "lens_power", File: "p.md", Lens: lens.PowerDynamics},
	})
	require.NoError(t, err)

	active := r.ActiveFor([]lens.ID{lens.Gottman})
	require.Len(t, active, 2)
	assert.Equal(t, "core", active[0].ID)
	assert.Equal(t, "lens_gottman", active[1].ID)

	assert.Len(t, r.ActiveFor(nil), 1)
	assert.Equal(t, []string{"core", "lens_gottman", "lens_power"}, r.IDs())
}

func TestDirSource_ReadWrite(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "core"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "core", "identity.md"), []byte("You are a mediator."), 0644))

	src := NewDirSource(root)
	sec := Section{ID: "core_identity", File: "core/identity.md"}

	text, err := src.Read(context.Background(), sec)
	require.NoError(t, err)
	assert.Equal(t, "You are a mediator.", text)

	require.NoError(t, src.Write(context.Background(), sec, "updated"))
	text, err = src.Read(context.Background(), sec)
	require.NoError(t, err)
	assert.Equal(t, "updated", text)

	_, err = src.Read(context.Background(), Section{ID: "x", File: "missing.md"})
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.Error(t, src.Write(context.Background(), Section{ID: "x", File: "missing.md"}, "x"))
}

func TestCompose(t *testing.T) {
	src := NewMemorySource(map[string]string{
		"a.md": "  first\n",
		"b.md": "second",
	})
	ctx := context.Background()

	got, err := Compose(ctx, src, []Section{{ID: "a", File: "a.md"}, {ID: "b", File: "b.md"}})
	require.NoError(t, err)
	assert.Equal(t, "first\n\nsecond", got)

	_, err = Compose(ctx, src, []Section{{ID: "c", File: "c.md"}})
	assert.ErrorIs(t, err, os.ErrNotExist)
}
