package handshake

import (
	"testing"

	"e2e_core/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBothSidesDeriveSameSecret(t *testing.T) {
	a, err := model.NewKeyPair()
	require.NoError(t, err)
	b, err := model.NewKeyPair()
	require.NoError(t, err)
	eph, err := model.NewKeyPair()
	require.NoError(t, err)
	sid := model.SessionID{1, 2, 3}

	ini := &Initiator{}
	s1, err := ini.GenerateShareKey(sid, InitiatorKeys{StaticPriv: a.Private, EphemeralPriv: eph.Private, PeerStatic: b.Public})
	require.NoError(t, err)

	resp := &Responder{}
	s2, err := resp.GenerateShareKey(sid, ResponderKeys{StaticPriv: b.Private, PeerStatic: a.Public, PeerEphemeral: eph.Public})
	require.NoError(t, err)

	assert.Len(t, s1, 32)
	assert.Equal(t, s1, s2)

	other, err := resp.GenerateShareKey(model.SessionID{9}, ResponderKeys{StaticPriv: b.Private, PeerStatic: a.Public, PeerEphemeral: eph.Public})
	require.NoError(t, err)
	assert.NotEqual(t, s1, other)
}
