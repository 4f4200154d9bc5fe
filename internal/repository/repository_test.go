package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/totem/cluster-deployer/internal/domain"
)

func TestExpiresAt(t *testing.T) {
	changed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.Nil(t, ExpiresAt(domain.StatePromoted, changed, time.Hour))

	at := ExpiresAt(domain.StateFailed, changed, time.Hour)
	require.NotNil(t, at)
	assert.Equal(t, changed.Add(time.Hour), *at)

	at = ExpiresAt(domain.StateNew, changed, 0)
	require.NotNil(t, at)
	assert.Equal(t, changed.Add(DefaultExpiry), *at)
}
