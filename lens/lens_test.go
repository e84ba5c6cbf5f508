package lens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCatalog_DisplayName(t *testing.T) {
	c := DefaultCatalog()

	assert.Equal(t, "Gottman Four Horsemen", c.DisplayName(Gottman))
	assert.Equal(t, "Gottman", c.ShortName(Gottman))
	assert.Equal(t, "unknown_lens", c.DisplayName("unknown_lens"))
	assert.Equal(t, "unknown_lens", c.ShortName("unknown_lens"))
}

func TestTable_ActiveLenses(t *testing.T) {
	table := DefaultTable()

	got := table.ActiveLenses("family")
	assert.Equal(t, []ID{Gottman, Attachment, FamilySystems, DramaTriangle}, got)

	// Mutating the copy must not leak into the table.
	got[0] = "mutated"
	assert.Equal(t, Gottman, table.ActiveLenses("family")[0])

	assert.Nil(t, table.ActiveLenses("no_such_mode"))
}

func TestTable_Modes(t *testing.T) {
	table := Table{"b": nil, "a": nil}
	assert.Equal(t, []string{"a", "b"}, table.Modes())
}

func TestContains(t *testing.T) {
	set := []ID{Gottman, Narrative}
	assert.True(t, Contains(set, Narrative))
	assert.False(t, Contains(set, PowerDynamics))
	assert.False(t, Contains(nil, Gottman))
}
