package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"inet.af/netaddr"
)

func server(t *testing.T, id int) *Server {
	t.Helper()
	return NewServer(id, "10.0.0.1:8388", netaddr.IPPort{}, []byte("secret"))
}

func TestNewServerTruncatesSecret(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = byte(i)
	}
	s := NewServer(0, "10.0.0.1:8388", netaddr.IPPort{}, long)
	require.Len(t, s.Secret, MaxSecretLen)
	require.Equal(t, long[:MaxSecretLen], s.Secret)
}

func TestPickReturnsHealthyServer(t *testing.T) {
	s0 := server(t, 0)
	s1 := server(t, 1)
	s1.health = ConnectFailurePenalty

	reg, err := New([]*Server{s0, s1})
	require.NoError(t, err)

	// s1 walks back to health 0 after ten rejections and may then be
	// picked too; whichever server is returned must be healthy.
	for i := 0; i < 200; i++ {
		picked, err := reg.Pick()
		require.NoError(t, err)
		require.GreaterOrEqual(t, picked.Health(), 0)
	}
}

func TestPenalizeSetsHealth(t *testing.T) {
	reg, err := New([]*Server{server(t, 0)})
	require.NoError(t, err)

	reg.Penalize(0)
	require.Equal(t, ConnectFailurePenalty, reg.Server(0).Health())
}

func TestPenaltyRecoversMonotonically(t *testing.T) {
	target := server(t, 0)
	target.health = ConnectFailurePenalty
	other := server(t, 1)
	other.health = ConnectFailurePenalty

	reg, err := New([]*Server{target, other})
	require.NoError(t, err)

	last := ConnectFailurePenalty
	for i := 0; i < 9; i++ {
		_, err := reg.Pick()
		require.NoError(t, err)
		h := reg.Server(0).Health()
		require.GreaterOrEqual(t, h, last)
		last = h
	}
}

func TestPickForceSelectsWhenAllUnavailable(t *testing.T) {
	s0 := server(t, 0)
	s0.health = ConnectFailurePenalty
	s1 := server(t, 1)
	s1.health = ConnectFailurePenalty

	reg, err := New([]*Server{s0, s1})
	require.NoError(t, err)

	picked, err := reg.Pick()
	require.NoError(t, err)
	require.NotNil(t, picked)
}

func TestNewRejectsEmptyOrOversized(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	many := make([]*Server, MaxServers+1)
	for i := range many {
		many[i] = server(t, i)
	}
	_, err = New(many)
	require.Error(t, err)
}
