package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yakGPT/yakGPT/internal/chat"
)

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func TestEstimate(t *testing.T) {
	cases := map[string]int{
		"":             0,
		"one":          2,
		"one two":      3,
		"one two tree": 4,
		words(75):     100,
		"  spaced\tout \n text ": 4,
	}
	for text, want := range cases {
		assert.Equal(t, want, Estimate(text), "Estimate(%q)", text)
	}
}

func TestTruncateKeepsSystemAndNewest(t *testing.T) {
	msgs := []chat.Message{
		chat.NewMessage(chat.RoleSystem, words(3)),    // 4
		chat.NewMessage(chat.RoleUser, words(30)),     // 40
		chat.NewMessage(chat.RoleAssistant, words(3)), // 4
		chat.NewMessage(chat.RoleUser, words(6)),      // 8
	}
	// ceiling = 1040 - 1024 = 16
	out := Truncate(msgs, 1040, 0)
	require.Len(t, out, 3)
	assert.Equal(t, msgs[0].ID, out[0].ID)
	assert.Equal(t, msgs[2].ID, out[1].ID)
	assert.Equal(t, msgs[3].ID, out[2].ID)
}

func TestTruncateStopsAtFirstOverflow(t *testing.T) {
	msgs := []chat.Message{
		chat.NewMessage(chat.RoleSystem, words(3)), // 4
		chat.NewMessage(chat.RoleUser, words(1)),   // 2, would fit but sits behind the overflow
		chat.NewMessage(chat.RoleUser, words(30)),  // 40
		chat.NewMessage(chat.RoleUser, words(3)),   // 4
	}
	out := Truncate(msgs, 20, 10)
	require.Len(t, out, 2)
	assert.Equal(t, msgs[0].ID, out[0].ID)
	assert.Equal(t, msgs[3].ID, out[1].ID)
}

func TestTruncateFallsBackToSystemMessage(t *testing.T) {
	msgs := []chat.Message{
		chat.NewMessage(chat.RoleSystem, words(3)),
		chat.NewMessage(chat.RoleUser, words(300)),
	}
	out := Truncate(msgs, 100, 50)
	require.Len(t, out, 1)
	assert.Equal(t, chat.RoleSystem, out[0].Role)
}

func TestTruncateWithoutSystemKeepsNewest(t *testing.T) {
	msgs := []chat.Message{
		chat.NewMessage(chat.RoleUser, words(300)),
		chat.NewMessage(chat.RoleUser, words(300)),
	}
	out := Truncate(msgs, 100, 50)
	require.Len(t, out, 1)
	assert.Equal(t, msgs[1].ID, out[0].ID)
}

func TestTruncateSingleMessageUntouched(t *testing.T) {
	msgs := []chat.Message{chat.NewMessage(chat.RoleUser, words(5000))}
	assert.Equal(t, msgs, Truncate(msgs, 10, 5))
	assert.Empty(t, Truncate(nil, 10, 5))
}

func TestTruncateInvariants(t *testing.T) {
	sizes := []int{7, 1, 13, 2, 40, 5, 3, 11, 9, 1, 0, 22}
	for ceiling := 5; ceiling < 120; ceiling += 7 {
		msgs := []chat.Message{chat.NewMessage(chat.RoleSystem, words(2))}
		for _, n := range sizes {
			msgs = append(msgs, chat.NewMessage(chat.RoleUser, words(n)))
		}
		out := Truncate(msgs, ceiling+100, 100)

		require.NotEmpty(t, out)
		assert.Equal(t, msgs[0].ID, out[0].ID, "system message first")

		spent := 0
		for _, m := range out[1:] {
			spent += Estimate(m.Content)
		}
		assert.LessOrEqual(t, spent, ceiling, "ceiling %d", ceiling)

		last := 0
		for _, m := range out[1:] {
			idx := indexOf(msgs, m.ID)
			assert.Greater(t, idx, last, "order preserved")
			last = idx
		}
	}
}

func TestEstimateCounter(t *testing.T) {
	assert.Equal(t, 3, EstimateCounter.Count("two words"))
	var c Counter = CounterFunc(func(string) int { return 7 })
	assert.Equal(t, 7, c.Count("anything"))
}

func indexOf(msgs []chat.Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}
