package lorian

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestFormatUptime(t *testing.T) {
	testCases := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{-time.Minute, "0s"},
		{59 * time.Second, "59s"},
		{time.Minute, "1m 0s"},
		{time.Hour + 2*time.Second, "1h 0m 2s"},
		{26*time.Hour + 3*time.Minute + 4*time.Second, "1d 2h 3m 4s"},
	}
	for _, tc := range testCases {
		t.Run(
			tc.want, func(t *testing.T) {
				assert.Equal(t, tc.want, formatUptime(tc.d))
			},
		)
	}
}

func TestParseReminderDuration(t *testing.T) {
	testCases := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{input: "30s", want: 30 * time.Second},
		{input: "10m", want: 10 * time.Minute},
		{input: "2h", want: 2 * time.Hour},
		{input: "1d", want: 24 * time.Hour},
		{input: "15", want: 15 * time.Minute},
		{input: " 3H ", want: 3 * time.Hour},
		{input: "5 m", want: 5 * time.Minute},
		{input: "0m", wantErr: true},
		{input: "-5m", wantErr: true},
		{input: "1w", wantErr: true},
		{input: "soon", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(
			tc.input, func(t *testing.T) {
				got, err := parseReminderDuration(tc.input)
				if tc.wantErr {
					assert.ErrorIs(t, err, ErrInvalidDuration)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			},
		)
	}
}

func TestShortenString(t *testing.T) {
	assert.Equal(t, "hello", shortenString("hello", 5))
	assert.Equal(t, "hel...", shortenString("hello world", 6))
	assert.Equal(t, "he", shortenString("hello", 2))
	assert.Equal(t, "ñañ...", shortenString("ñañañaña", 6))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "日本", truncate("日本語", 2))
}

func TestMentions(t *testing.T) {
	assert.Equal(t, "<@1>", userMention("1"))
	assert.Equal(t, "<@&2>", roleMention("2"))
	assert.Equal(t, "<#3>", channelMention("3"))
	assert.Equal(
		t,
		"<t:1700000000:R>",
		discordTimestamp(time.Unix(1700000000, 0), "R"),
	)
}

func TestGenerateRandomHexString(t *testing.T) {
	for _, n := range []int{1, 7, 8, 32} {
		s, err := generateRandomHexString(n)
		require.NoError(t, err)
		assert.Len(t, s, n)
		assert.Empty(t, strings.Trim(s, "0123456789abcdef"))
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	ok, err := VerifyPassword(hash, "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword(hash, "hunter3")
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "expected a random salt")

	_, err = VerifyPassword("not-a-hash", "hunter2")
	assert.Error(t, err)
}

func TestTLSConfig(t *testing.T) {
	cfg, err := tlsConfig(SSLConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = tlsConfig(SSLConfig{Cert: "missing.crt", Key: "missing.key"})
	assert.Error(t, err)
}

func TestContextLogger(t *testing.T) {
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.Default().With("k", "v")
	got, ok := ContextLogger(WithLogger(context.Background(), logger))
	assert.True(t, ok)
	assert.Same(t, logger, got)
}

func TestStructToSlogValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "secret-token"
	cfg.OwnerID = "123"

	attrs := map[string]slog.Value{}
	for _, a := range cfg.LogValue().Group() {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "123", attrs["owner_id"].String())

	discord, ok := attrs["discord"]
	require.True(t, ok)
	assert.NotContains(t, discord.String(), "secret-token")
}
