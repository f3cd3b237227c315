package titles

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parley/pkg/chat"
)

func userMsg(content string) chat.Message {
	return chat.Message{
		ID:        "m-1",
		ChatID:    "c-1",
		Content:   content,
		Role:      chat.RoleUser,
		CreatedAt: time.Now(),
	}
}

func assistantMsg(content string) chat.Message {
	m := userMsg(content)
	m.Role = chat.RoleAssistant
	return m
}

func TestInferVerbatimShortMessage(t *testing.T) {
	title, ok := Infer([]chat.Message{userMsg("Weekend trip ideas")})
	require.True(t, ok)
	require.Equal(t, "Weekend trip ideas", title)
}

func TestInferLeadPhraseAbsorbsAuxiliary(t *testing.T) {
	title, ok := Infer([]chat.Message{userMsg("What is the capital of France?")})
	require.True(t, ok)
	require.Equal(t, "Capital of france", title)
}

func TestInferLeadPhrases(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{"Tell me about the history of the roman empire", "History of the roman empire"},
		{"How do I configure a reverse proxy setup", "I configure a reverse proxy setup"},
		{"Create a landing page for my bakery please", "Landing page for my bakery"},
		{"Fix the flaky integration suite in my project", "Flaky integration suite in my project"},
	}
	for _, tc := range cases {
		title, ok := Infer([]chat.Message{userMsg(tc.content)})
		require.True(t, ok, "content: %s", tc.content)
		require.Equal(t, tc.want, title, "content: %s", tc.content)
	}
}

func TestInferTopicPreposition(t *testing.T) {
	title, ok := Infer([]chat.Message{userMsg("I keep wondering about distributed consensus algorithms")})
	require.True(t, ok)
	require.Equal(t, "Distributed consensus algorithms", title)
}

func TestInferTechKeywordWindow(t *testing.T) {
	title, ok := Infer([]chat.Message{userMsg("my production kubernetes cluster keeps evicting pods under load")})
	require.True(t, ok)
	require.Equal(t, "Production kubernetes cluster keeps", title)
}

func TestInferFirstSentenceFallback(t *testing.T) {
	title, ok := Infer([]chat.Message{userMsg("The quarterly numbers came in low. We should talk.")})
	require.True(t, ok)
	require.Equal(t, "The quarterly numbers came in low", title)
}

func TestInferTruncatesLongTopics(t *testing.T) {
	long := "Tell me about " + strings.Repeat("minor chord voicings ", 5)
	title, ok := Infer([]chat.Message{userMsg(long)})
	require.True(t, ok)
	require.True(t, strings.HasSuffix(title, "..."))
	require.LessOrEqual(t, len([]rune(title)), 43)
}

func TestInferSkipsAssistantMessages(t *testing.T) {
	title, ok := Infer([]chat.Message{
		assistantMsg("Hello! How can I help you today?"),
		userMsg("Weekend trip ideas"),
	})
	require.True(t, ok)
	require.Equal(t, "Weekend trip ideas", title)
}

func TestInferNoUserContent(t *testing.T) {
	_, ok := Infer(nil)
	require.False(t, ok)

	_, ok = Infer([]chat.Message{assistantMsg("only me here")})
	require.False(t, ok)

	_, ok = Infer([]chat.Message{userMsg("   ")})
	require.False(t, ok)
}

func TestInferIsDeterministic(t *testing.T) {
	msgs := []chat.Message{userMsg("What is the capital of France?")}
	first, ok := Infer(msgs)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, ok := Infer(msgs)
		require.True(t, ok)
		require.Equal(t, first, again)
	}
}

func TestExcerptTruncates(t *testing.T) {
	long := strings.Repeat("abcde ", 20)
	excerpt, ok := Excerpt([]chat.Message{userMsg(long)})
	require.True(t, ok)
	require.True(t, strings.HasSuffix(excerpt, "..."))
	require.Equal(t, 33, len([]rune(excerpt)))

	_, ok = Excerpt([]chat.Message{assistantMsg("nothing from the user")})
	require.False(t, ok)
}
