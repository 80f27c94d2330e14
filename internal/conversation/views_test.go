// ABOUTME: Tests for view helpers
// ABOUTME: Covers friendly timestamps, previews and markdown rendering

package conversation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuin/goldmark"
)

func TestFormatSentAt(t *testing.T) {
	loc := time.FixedZone("test", -5*60*60)
	now := time.Date(2026, 3, 10, 18, 0, 0, 0, loc)

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"today", time.Date(2026, 3, 10, 9, 5, 0, 0, loc), "Today, 9:05 AM"},
		{"today from utc", time.Date(2026, 3, 10, 20, 30, 0, 0, time.UTC), "Today, 3:30 PM"},
		{"yesterday", time.Date(2026, 3, 9, 23, 59, 0, 0, loc), "Yesterday, 11:59 PM"},
		{"older", time.Date(2026, 2, 28, 12, 0, 0, 0, loc), "Feb 28, 12:00 PM"},
		{"utc next day is still today locally", time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC), "Today, 9:00 PM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatSentAt(tt.at, now, loc))
		})
	}
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("short"))

	long := strings.Repeat("é", previewLength+5)
	p := preview(long)
	assert.Equal(t, previewLength, len([]rune(p)))
	assert.True(t, strings.HasSuffix(p, "…"))
}

func TestRenderMarkdown(t *testing.T) {
	md := goldmark.New()

	html, err := renderMarkdown(md, "**hi** there")
	require.NoError(t, err)
	assert.Contains(t, html, "<strong>hi</strong>")

	html, err = renderMarkdown(md, "<script>alert(1)</script>")
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
}
