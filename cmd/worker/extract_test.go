package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractValues(t *testing.T) {
	rules := []extractionRule{
		{RuleName: "contract", SearchText: "CA: ", ExtractLength: 8},
		{RuleName: "ticker", SearchText: "$", ExtractLength: 4},
	}

	t.Run("single occurrence", func(t *testing.T) {
		got := extractValues("New gem CA: AbCd1234 rest", rules)
		require.Len(t, got, 1)
		assert.Equal(t, "contract", got[0].RuleName)
		assert.Equal(t, "AbCd1234", got[0].Value)
		assert.Equal(t, 0, got[0].Occurrence)
		assert.Equal(t, 12, got[0].Position)
	})

	t.Run("multiple occurrences count per rule", func(t *testing.T) {
		got := extractValues("CA: first123 then CA: second45", []extractionRule{
			{RuleName: "contract", SearchText: "CA: ", ExtractLength: 8},
		})
		require.Len(t, got, 2)
		assert.Equal(t, "first123", got[0].Value)
		assert.Equal(t, 0, got[0].Occurrence)
		assert.Equal(t, "second45", got[1].Value)
		assert.Equal(t, 1, got[1].Occurrence)
	})

	t.Run("marker at end of text yields nothing", func(t *testing.T) {
		got := extractValues("trailing CA: ", rules)
		assert.Empty(t, got)
	})

	t.Run("short tail is truncated not dropped", func(t *testing.T) {
		got := extractValues("CA: abc", []extractionRule{
			{RuleName: "contract", SearchText: "CA: ", ExtractLength: 8},
		})
		require.Len(t, got, 1)
		assert.Equal(t, "abc", got[0].Value)
	})

	t.Run("value is whitespace trimmed", func(t *testing.T) {
		got := extractValues("$SOL and text", rules)
		require.Len(t, got, 1)
		assert.Equal(t, "SOL", got[0].Value)
	})

	t.Run("invalid rules are skipped", func(t *testing.T) {
		got := extractValues("CA: value123", []extractionRule{
			{RuleName: "", SearchText: "CA: ", ExtractLength: 8},
			{RuleName: "zero", SearchText: "CA: ", ExtractLength: 0},
			{RuleName: "empty", SearchText: "", ExtractLength: 8},
		})
		assert.Empty(t, got)
	})

	t.Run("no match", func(t *testing.T) {
		got := extractValues("nothing to see here", rules)
		assert.Empty(t, got)
	})
}

func TestReconnectDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, reconnectDelay(1))
	assert.Equal(t, 25*time.Second, reconnectDelay(5))
	assert.Equal(t, 60*time.Second, reconnectDelay(12))
	assert.Equal(t, 60*time.Second, reconnectDelay(int(reconnectCap/reconnectStep)+1))
}
