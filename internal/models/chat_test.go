package models_test

import (
	"strings"
	"testing"

	"github.com/MegaGrindStone/lmchat/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestTitleFrom(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "short", text: "Hello", want: "Hello"},
		{name: "exactly thirty", text: strings.Repeat("a", 30), want: strings.Repeat("a", 30)},
		{name: "truncated", text: strings.Repeat("b", 31), want: strings.Repeat("b", 30) + "..."},
		{name: "counts runes", text: strings.Repeat("ü", 35), want: strings.Repeat("ü", 30) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, models.TitleFrom(tt.text))
		})
	}
}

func TestSettingsNormalize(t *testing.T) {
	assert.InDelta(t, 0.9, models.DefaultSettings().Temperature, 1e-6)
	assert.Zero(t, models.Settings{Temperature: -1}.Normalize().Temperature)
	assert.InDelta(t, 2, models.Settings{Temperature: 5}.Normalize().Temperature, 1e-6)
	assert.InDelta(t, 1.2, models.Settings{Temperature: 1.2}.Normalize().Temperature, 1e-6)
}

func TestStateEnded(t *testing.T) {
	assert.False(t, models.StateLoading.Ended())
	assert.False(t, models.StateStreaming.Ended())
	assert.True(t, models.StateCompleted.Ended())
	assert.True(t, models.StateAborted.Ended())
	assert.True(t, models.StateFailed.Ended())
}
