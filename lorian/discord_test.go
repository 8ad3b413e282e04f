package lorian

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"testing"
)

func TestDiscord_NewSession(t *testing.T) {
	cfg := DefaultConfig().Discord
	cfg.Token = "test-token"
	client := &http.Client{}

	d, err := newDiscord(cfg, client)
	require.NoError(t, err)
	d.logger = testLogger(t)

	s, err := d.newSession()
	require.NoError(t, err)
	session, ok := s.(DiscordSession)
	require.True(t, ok)
	assert.Same(t, client, session.session.Client)
	assert.True(t, session.session.StateEnabled)
}
