package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityKeyString(t *testing.T) {
	assert.Equal(t, "indicator:ioc-1", Key(EntityIndicator, "ioc-1").String())

	withSuffix := EntityKey{Type: EntityIndicator, ID: "ioc-1", Suffix: "relations"}
	assert.Equal(t, "indicator:ioc-1:relations", withSuffix.String())
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("actor:apt-28")
	require.NoError(t, err)
	assert.Equal(t, EntityActor, key.Type)
	assert.Equal(t, "apt-28", key.ID)
	assert.Empty(t, key.Suffix)

	key, err = ParseKey("indicator:ioc-1:relations")
	require.NoError(t, err)
	assert.Equal(t, "relations", key.Suffix)

	_, err = ParseKey("just-an-id")
	require.Error(t, err)

	_, err = ParseKey(":missing-type")
	require.Error(t, err)
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "CRITICAL", SeverityCritical.String())
	assert.Equal(t, "INFO", SeverityInfo.String())
	assert.Equal(t, "UNKNOWN", Severity(99).String())
}

func TestAuthContextHasRole(t *testing.T) {
	auth := &AuthContext{PrincipalID: "u1", OrgID: "org1", Roles: []string{"analyst", "admin"}}
	assert.True(t, auth.HasRole("analyst"))
	assert.False(t, auth.HasRole("viewer"))

	var nilAuth *AuthContext
	assert.False(t, nilAuth.HasRole("analyst"))
}
