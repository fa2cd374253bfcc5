package profiles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func managerFixture(t *testing.T) *Manager {
	t.Helper()
	path := writeCatalogue(t, `
profiles:
  p:
    soft_limit: 50GiB
    hard_limit: 60GiB
    router_model: small
    models:
      - {name: small, engine: openai, endpoint: "http://x/v1", vram_size: 2GiB, priority: HIGH}
      - {name: mid, engine: openai, endpoint: "http://x/v1", vram_size: 8GiB, fallback: small}
      - {name: large, engine: ollama, endpoint: "http://y", vram_size: 30GiB, fallback: mid}
`)
	p, err := Load(testLogger(), path, "p")
	require.NoError(t, err)
	return NewManager(testLogger(), p)
}

func TestManagerDegradeAndRestore(t *testing.T) {
	m := managerFixture(t)

	assert.False(t, m.IsDegraded("large"))

	m.OnCrashThreshold("large", 2, "engine-unreachable")
	assert.True(t, m.IsDegraded("large"))
	assert.Equal(t, map[string]string{"large": "engine-unreachable"}, m.Degraded())

	// Repeated crossings do not overwrite the original reason.
	m.OnCrashThreshold("large", 3, "timeout")
	assert.Equal(t, "engine-unreachable", m.Degraded()["large"])

	m.ClearDegraded("large")
	assert.False(t, m.IsDegraded("large"))
}

func TestManagerAlternate(t *testing.T) {
	m := managerFixture(t)

	alt, ok := m.Alternate("large")
	require.True(t, ok)
	assert.Equal(t, "mid", alt.Name)
}

func TestManagerAlternateSkipsDegraded(t *testing.T) {
	m := managerFixture(t)
	m.OnCrashThreshold("mid", 2, "crash")

	// mid is degraded, so the chain continues to small.
	alt, ok := m.Alternate("large")
	require.True(t, ok)
	assert.Equal(t, "small", alt.Name)
}

func TestManagerAlternateNoFallback(t *testing.T) {
	m := managerFixture(t)

	_, ok := m.Alternate("small")
	assert.False(t, ok)

	_, ok = m.Alternate("ghost")
	assert.False(t, ok)
}
