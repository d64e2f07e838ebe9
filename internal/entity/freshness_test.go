package entity

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgeAt(t *testing.T) {
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, InfiniteAge, AgeAt(time.Time{}, now))
	assert.Equal(t, 48*time.Hour, AgeAt(now.Add(-48*time.Hour), now))
	assert.Equal(t, time.Duration(0), AgeAt(now.Add(time.Hour), now))

	s := NewStaleness(KindProduct, 4, time.Time{}, now)
	assert.False(t, s.Observed())
	assert.Equal(t, InfiniteAge, s.Age)
}

func TestParseEntityKind(t *testing.T) {
	for in, want := range map[string]EntityKind{
		"category": KindCategory, "categories": KindCategory,
		"product": KindProduct, "prices": KindProduct,
	} {
		got, err := ParseEntityKind(in)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
		assert.True(t, got.Valid())
	}
	_, err := ParseEntityKind("offers")
	require.Error(t, err)
	assert.NotNil(t, errors.GetReportableStackTrace(err), "error carries a stack")
}
