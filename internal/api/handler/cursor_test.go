package handler

import (
	"testing"
	"time"

	"github.com/cuongbtq/genqueue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursorRoundTrip(t *testing.T) {
	in := &store.JobCursor{
		CreatedAt: time.Date(2025, 3, 1, 10, 30, 0, 123456000, time.UTC),
		JobID:     "6f1c1f8e-2b7d-4d8e-9a57-0c3e4b1d2a10",
	}

	out, err := DecodeJobCursor(EncodeJobCursor(in))
	require.NoError(t, err)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.JobID, out.JobID)
}

func TestDecodeJobCursor_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{"not base64", "%%%"},
		{"missing separator", "MTIz"},
		{"bad timestamp", "YWJjfGpvYi0x"},
		{"empty job id", "MTIzfA=="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJobCursor(tt.cursor)
			assert.Error(t, err)
		})
	}

	c, err := DecodeJobCursor("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}
