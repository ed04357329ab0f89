package workers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggingContainerName(t *testing.T) {
	assert.Equal(t, "solanagram-log-7-1001234567890",
		LoggingContainerName("solanagram", 7, -1001234567890))
	assert.Equal(t, "solanagram-log-7-42",
		LoggingContainerName("solanagram", 7, 42))
}

func TestListenerContainerName(t *testing.T) {
	assert.Equal(t, "solanagram-listener-1-9-solana_gems_vip",
		ListenerContainerName("solanagram", 1, 9, "Solana Gems VIP"))
}

func TestSafeSource(t *testing.T) {
	cases := []struct {
		title string
		want  string
	}{
		{"Solana Gems VIP", "solana_gems_vip"},
		{"ca-tracker", "ca-tracker"},
		{"★★ Pump Signals ★★", "pump_signals"},
		{"__weird__name__", "weird_name"},
		{"UPPER lower 123", "upper_lower_123"},
		{strings.Repeat("a", 40), strings.Repeat("a", 30)},
		{"日本語", "chat"},
		{"", "chat"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, safeSource(tc.title), "title %q", tc.title)
	}
}
