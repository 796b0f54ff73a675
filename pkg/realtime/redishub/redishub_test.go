package redishub

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/cricket/pkg/realtime"
)

func TestSettingsDefaults(t *testing.T) {
	s := Settings{}.withDefaults()
	require.Equal(t, "localhost:6379", s.Addr)
	require.Equal(t, "cricket", s.Group)
	require.NotEmpty(t, s.ParticipantID)

	s = Settings{Addr: "redis:7000", Group: "g", ParticipantID: "p"}.withDefaults()
	require.Equal(t, "redis:7000", s.Addr)
	require.Equal(t, "g", s.Group)
	require.Equal(t, "p", s.ParticipantID)
}

func TestStreamAndKeyNaming(t *testing.T) {
	require.Equal(t, "cricket:msg:room-1", msgStream("room-1"))
	require.Equal(t, "cricket:presence:room-1", presStream("room-1"))
	require.Equal(t, "cricket:members:room-1", membersKey("room-1"))
}

func TestConnectFailureIsConnectionError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Connect(ctx, Settings{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	require.True(t, errors.Is(err, realtime.ErrConnection))
}
