package ui

import (
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{400 * time.Millisecond, "0s"},
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 1*time.Minute + 9*time.Second, "2h 1m 9s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in))
	}
}

func TestStatusWithoutColor(t *testing.T) {
	prev := color.NoColor
	Init(true)
	t.Cleanup(func() { color.NoColor = prev })

	assert.Equal(t, "completed", Status("completed"))
	assert.Equal(t, "failed", Status("failed"))
	assert.Equal(t, "processing", Status("processing"))
}
