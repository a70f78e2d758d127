package mcp

import (
	"testing"
	"time"
)

func TestReconnectDelay(t *testing.T) {
	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 3, want: 8 * time.Second},
		{attempt: 4, want: 16 * time.Second},
		{attempt: 5, want: 30 * time.Second},
		{attempt: 10, want: 30 * time.Second},
		// Large attempts overflow the shift and must still cap out.
		{attempt: 34, want: 30 * time.Second},
		{attempt: 63, want: 30 * time.Second},
	}

	for _, tc := range testCases {
		if got := reconnectDelay(tc.attempt); got != tc.want {
			t.Errorf("reconnectDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
