package match_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/velvetlabs/spindate/pkg/match"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to match.State
		want     bool
	}{
		{match.StateIdle, match.StateWaiting, true},
		{match.StateIdle, match.StateMatched, false},
		{match.StateIdle, match.StateVideoDate, false},
		{match.StateWaiting, match.StateMatched, true},
		{match.StateWaiting, match.StateIdle, true},
		{match.StateWaiting, match.StateVoteWindow, false},
		{match.StateMatched, match.StateVoteWindow, true},
		{match.StateMatched, match.StateWaiting, true},
		{match.StateVoteWindow, match.StateVideoDate, true},
		{match.StateVoteWindow, match.StateWaiting, true},
		{match.StateVoteWindow, match.StateIdle, true},
		{match.StateVoteWindow, match.StateMatched, false},
		{match.StateVideoDate, match.StateIdle, true},
		{match.StateVideoDate, match.StateWaiting, false},
		{match.StateCooldown, match.StateIdle, true},
		{match.StateCooldown, match.StateWaiting, false},
		{match.StateIdle, match.StateCooldown, true},
		{match.StateVideoDate, match.StateCooldown, true},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, match.CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestOrderPair(t *testing.T) {
	a := uuidFromByte(0x01)
	b := uuidFromByte(0xfe)

	lo, hi := match.OrderPair(a, b)
	require.Equal(t, a, lo)
	require.Equal(t, b, hi)

	lo, hi = match.OrderPair(b, a)
	require.Equal(t, a, lo)
	require.Equal(t, b, hi)

	lo, hi = match.OrderPair(a, a)
	require.Equal(t, a, lo)
	require.Equal(t, a, hi)
}

func TestTierForWait(t *testing.T) {
	thresholds := match.DefaultTierThresholds()

	tests := []struct {
		wait string
		want int
	}{
		{"0s", 0},
		{"9s", 0},
		{"10s", 1},
		{"14s", 1},
		{"15s", 2},
		{"19s", 2},
		{"20s", 3},
		{"5m", 3},
	}
	for _, tt := range tests {
		d := mustParseDuration(t, tt.wait)
		require.Equal(t, tt.want, thresholds.TierForWait(d), "wait %s", tt.wait)
	}
}
