package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{
			name:    "first attempt uses base",
			backoff: Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2},
			attempt: 1,
			want:    time.Second,
		},
		{
			name:    "grows exponentially",
			backoff: Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2},
			attempt: 4,
			want:    8 * time.Second,
		},
		{
			name:    "capped at max",
			backoff: Backoff{Base: time.Second, Max: 10 * time.Second, Multiplier: 2},
			attempt: 10,
			want:    10 * time.Second,
		},
		{
			name:    "zero attempt treated as first",
			backoff: Backoff{Base: 3 * time.Second, Multiplier: 3},
			attempt: 0,
			want:    3 * time.Second,
		},
		{
			name:    "defaults fill missing fields",
			backoff: Backoff{},
			attempt: 2,
			want:    10 * time.Second,
		},
		{
			name:    "huge attempt does not overflow",
			backoff: Backoff{Base: time.Second, Multiplier: 10},
			attempt: 400,
			want:    time.Duration(1<<63 - 1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.backoff.Delay(tt.attempt))
		})
	}
}
