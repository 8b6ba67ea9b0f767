package plate

import (
	"errors"
	"testing"

	"github.com/camposec/vigil/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := New(Config{
		ConfidenceThreshold: 0.85,
		Substitutions:       map[string]string{"O": "0", "I": "1"},
	})
	require.NoError(t, err)
	return n
}

func TestNormalizeStripsSeparatorsAndUppercases(t *testing.T) {
	n := testNormalizer(t)

	key, err := n.Normalize("vjm-131-c", 0.95)
	require.NoError(t, err)
	assert.Equal(t, "VJM131C", key)

	key, err = n.Normalize(" VJM 131 C ", 0.95)
	require.NoError(t, err)
	assert.Equal(t, "VJM131C", key)
}

func TestNormalizeCanonicalizesConfusedPairs(t *testing.T) {
	n := testNormalizer(t)

	a, err := n.Normalize("ABO123", 0.95)
	require.NoError(t, err)
	b, err := n.Normalize("AB0123", 0.95)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := n.Normalize("XYI456", 0.95)
	require.NoError(t, err)
	assert.Equal(t, "XY1456", c)
}

func TestNormalizeIsDeterministic(t *testing.T) {
	n := testNormalizer(t)
	first, err := n.Normalize("vjm-131-c", 0.9)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := n.Normalize("vjm-131-c", 0.9)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestNormalizeRejectsLowConfidence(t *testing.T) {
	n := testNormalizer(t)
	_, err := n.Normalize("VJM131C", 0.5)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestNormalizeRejectsBadFormat(t *testing.T) {
	n := testNormalizer(t)

	for _, raw := range []string{"", "AB", "THISPLATEISTOOLONG", "---"} {
		_, err := n.Normalize(raw, 0.95)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput), "raw=%q", raw)
	}
}

func TestNewRejectsMultiCharSubstitution(t *testing.T) {
	_, err := New(Config{Substitutions: map[string]string{"OO": "0"}})
	assert.Error(t, err)
}
