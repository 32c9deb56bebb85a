package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDelay(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
		err  error
	}{
		{"30s", 30 * time.Second, nil},
		{"90m", 90 * time.Minute, nil},
		{"1h30m", 90 * time.Minute, nil},
		{"1d12h", 36 * time.Hour, nil},
		{"2D", 48 * time.Hour, nil},
		{"30d", 30 * 24 * time.Hour, nil},
		{"29s", 0, ErrDelayOutOfRange},
		{"31d", 0, ErrDelayOutOfRange},
		{"99999999999d", 0, ErrDelayOutOfRange},
		{"", 0, ErrBadDelay},
		{"5", 0, ErrBadDelay},
		{"1m1h", 0, ErrBadDelay},
		{"soon", 0, ErrBadDelay},
		{"-5m", 0, ErrBadDelay},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseDelay(tc.raw, DefaultMinDelay, DefaultMaxDelay)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFormatDelay(t *testing.T) {
	assert.Equal(t, "0s", FormatDelay(0))
	assert.Equal(t, "0s", FormatDelay(400*time.Millisecond))
	assert.Equal(t, "30s", FormatDelay(30*time.Second))
	assert.Equal(t, "1h30m", FormatDelay(90*time.Minute))
	assert.Equal(t, "1d1h1m1s", FormatDelay(25*time.Hour+61*time.Second))
	assert.Equal(t, "-2m", FormatDelay(-2*time.Minute))

	for _, d := range []time.Duration{45 * time.Second, 3 * time.Hour, 36*time.Hour + 5*time.Minute} {
		back, err := ParseDelay(FormatDelay(d), 0, 0)
		require.NoError(t, err)
		assert.Equal(t, d, back)
	}
}
