package scheduling

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-ai/gantry/pkg/profiles"
)

func registryModel(name string, priority profiles.Priority, gb float64) *profiles.ModelConfig {
	return &profiles.ModelConfig{
		Name:     name,
		Engine:   profiles.KindOpenAI,
		Priority: priority,
		VRAMGB:   gb,
	}
}

func TestRegistryAddAndContains(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Add(registryModel("a", profiles.PriorityNormal, 4), false))
	assert.True(t, r.Contains("a"))
	assert.False(t, r.Contains("b"))

	assert.ErrorIs(t, r.Add(registryModel("a", profiles.PriorityNormal, 4), false), ErrModelPresent)
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Add(registryModel("a", profiles.PriorityNormal, 4), false))
	require.NoError(t, r.Remove("a"))
	assert.False(t, r.Contains("a"))
	assert.ErrorIs(t, r.Remove("a"), ErrModelAbsent)
}

func TestRegistryTouchMovesToMRU(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Add(registryModel("a", profiles.PriorityNormal, 4), false))
	require.NoError(t, r.Add(registryModel("b", profiles.PriorityNormal, 4), false))
	require.NoError(t, r.Add(registryModel("c", profiles.PriorityNormal, 4), false))

	require.NoError(t, r.Touch("a"))
	assert.Equal(t, []string{"b", "c", "a"}, r.Names())

	assert.ErrorIs(t, r.Touch("missing"), ErrModelAbsent)
}

func TestRegistryLRUByPriority(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Add(registryModel("critical", profiles.PriorityCritical, 2), false))
	require.NoError(t, r.Add(registryModel("low-old", profiles.PriorityLow, 8), false))
	require.NoError(t, r.Add(registryModel("normal", profiles.PriorityNormal, 8), false))
	require.NoError(t, r.Add(registryModel("low-new", profiles.PriorityLow, 8), false))

	// Up to NORMAL: low-old is the least recently used qualifying entry.
	name, ok := r.LRUByPriority(profiles.PriorityNormal)
	require.True(t, ok)
	assert.Equal(t, "low-old", name)

	// Excluding it falls through to the next candidate in LRU order.
	name, ok = r.LRUByPriority(profiles.PriorityNormal, "low-old")
	require.True(t, ok)
	assert.Equal(t, "normal", name)

	// Nothing at or below LOW once the low-priority entries are excluded.
	_, ok = r.LRUByPriority(profiles.PriorityLow, "low-old", "low-new")
	assert.False(t, ok)

	// Touching low-old makes low-new the LRU low-priority entry.
	require.NoError(t, r.Touch("low-old"))
	name, ok = r.LRUByPriority(profiles.PriorityLow)
	require.True(t, ok)
	assert.Equal(t, "low-new", name)
}

func TestRegistryLRUByPriorityEmpty(t *testing.T) {
	r := NewRegistry()
	_, ok := r.LRUByPriority(profiles.PriorityCritical)
	assert.False(t, ok)
}

func TestRegistryTotalDeclaredGB(t *testing.T) {
	r := NewRegistry()
	assert.Zero(t, r.TotalDeclaredGB())

	require.NoError(t, r.Add(registryModel("a", profiles.PriorityNormal, 4.5), false))
	require.NoError(t, r.Add(registryModel("b", profiles.PriorityNormal, 8), false))
	assert.InDelta(t, 12.5, r.TotalDeclaredGB(), 1e-9)
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Add(registryModel("a", profiles.PriorityHigh, 4), false))
	require.NoError(t, r.Add(registryModel("b", profiles.PriorityLow, 8), true))

	snap := r.Snapshot()
	want := []RegistryEntry{
		{ModelID: "a", Backend: "openai", VRAMGB: 4, Priority: profiles.PriorityHigh, PriorityName: "HIGH"},
		{ModelID: "b", Backend: "openai", VRAMGB: 8, Priority: profiles.PriorityLow, PriorityName: "LOW", IsExternal: true},
	}
	diff := cmp.Diff(want, snap, cmpopts.IgnoreFields(RegistryEntry{}, "LastAccessed", "LoadedAt"))
	assert.Empty(t, diff)
	assert.False(t, snap[1].LoadedAt.IsZero())
}
