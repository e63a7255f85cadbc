package chat

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectGuild(t *testing.T) {
	t.Run("configured and visible", func(t *testing.T) {
		id, err := selectGuild([]string{"1", "2"}, "2")
		require.NoError(t, err)
		require.Equal(t, "2", id)
	})

	t.Run("configured but not visible", func(t *testing.T) {
		_, err := selectGuild([]string{"1"}, "9")
		require.ErrorIs(t, err, ErrGuildNotFound)
	})

	t.Run("single visible guild", func(t *testing.T) {
		id, err := selectGuild([]string{"1"}, "")
		require.NoError(t, err)
		require.Equal(t, "1", id)
	})

	t.Run("no guilds", func(t *testing.T) {
		_, err := selectGuild(nil, "")
		require.ErrorIs(t, err, ErrGuildNotFound)
	})

	t.Run("ambiguous", func(t *testing.T) {
		_, err := selectGuild([]string{"1", "2"}, "")
		require.ErrorIs(t, err, ErrAmbiguousGuild)
	})
}

func TestMemberHandle(t *testing.T) {
	m := Member{ID: "42", Username: "name", Discriminator: "1234"}
	require.Equal(t, "name#1234", m.Handle())
}

func TestChannelKindString(t *testing.T) {
	require.Equal(t, "text", ChannelText.String())
	require.Equal(t, "voice", ChannelVoice.String())
	require.Equal(t, "unknown", ChannelKind(9).String())
}

func TestPermissionBits(t *testing.T) {
	// VIEW_CHANNEL and friends are distinct single bits.
	bits := []int64{PermViewChannel, PermSendMessages, PermReadMessageHistory, PermSendTTSMessages, PermConnect, PermSpeak}
	var seen int64
	for _, b := range bits {
		require.NotZero(t, b)
		require.Zero(t, b&(b-1), "not a single bit: %d", b)
		require.Zero(t, seen&b, "duplicate bit: %d", b)
		seen |= b
	}
}

func TestPageCursor(t *testing.T) {
	page := []*discordgo.Member{
		{User: &discordgo.User{ID: "10"}},
		{User: &discordgo.User{ID: "11"}},
		{},
		nil,
	}
	assert.Equal(t, "11", pageCursor(page))
	assert.Empty(t, pageCursor([]*discordgo.Member{{}, nil}))
	assert.Empty(t, pageCursor(nil))
}
