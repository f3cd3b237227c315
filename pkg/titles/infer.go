// Package titles derives short human-readable chat titles from conversation
// content. Inference is deterministic and side-effect free: the same message
// list always yields the same title.
package titles

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-go-golems/parley/pkg/chat"
)

const (
	// verbatimLimit is the length under which the first user message is used as-is.
	verbatimLimit = 30
	// titleLimit is the maximum length of an extracted title before truncation.
	titleLimit = 40
)

// Lead-phrase patterns, tried in order over the lowercased text. Interrogative
// leads absorb one auxiliary verb so "what is X" extracts X, not "is X".
var leadPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(?:(?:what|how|why|when|where|who|which)(?:\s+(?:is|are|was|were|do|does|did|can|could|would|should))?|can|could|would|should|is|are|do|does|did)\s+(.+?)[?.]?$`),
	regexp.MustCompile(`^(?:tell me about|explain|describe|help me with|i need help with|i want to know about)\s+(.+?)[?.]?$`),
	regexp.MustCompile(`^(?:create|make|build|generate|write|design)\s+(.+?)[?.]?$`),
	regexp.MustCompile(`^(?:fix|solve|debug|troubleshoot|resolve)\s+(.+?)[?.]?$`),
}

// Topic-preposition patterns, tried after the lead phrases.
var topicPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:about|regarding|concerning)\s+(.+?)[?.,]?$`),
	regexp.MustCompile(`\b(?:with|using|for)\s+([a-zA-Z0-9\s]+)`),
	regexp.MustCompile(`\b(?:problem|issue|error|bug)\s+(?:with|in|on)\s+(.+?)[?.,]?$`),
}

var (
	leadingArticleRe     = regexp.MustCompile(`^(?:a|an|the)\s+`)
	trailingPolitenessRe = regexp.MustCompile(`\s+(?:please|for me|help)$`)
	sentenceSplitRe      = regexp.MustCompile(`[.!?]+`)
)

// techKeywords is the fixed vocabulary scanned when no phrase pattern matches.
var techKeywords = []string{
	"javascript", "python", "react", "node", "api", "database", "sql", "html", "css",
	"typescript", "vue", "angular", "express", "mongodb", "postgresql", "mysql",
	"docker", "kubernetes", "aws", "azure", "git", "github", "deployment", "server",
	"frontend", "backend", "fullstack", "web development", "mobile app", "ios", "android",
}

// Infer maps a message list to a short title. It returns ok=false when the
// list has no user-authored message or no rule yields a usable result; the
// caller decides whether to fall back to Excerpt or leave the title alone.
func Infer(messages []chat.Message) (string, bool) {
	content, ok := firstUserContent(messages)
	if !ok {
		return "", false
	}

	if utf8.RuneCountInString(content) < verbatimLimit {
		return content, true
	}

	if title, ok := extract(content); ok {
		return title, true
	}
	return "", false
}

// Excerpt returns the raw truncated excerpt of the first user message, the
// fallback used when no extraction rule applies.
func Excerpt(messages []chat.Message) (string, bool) {
	content, ok := firstUserContent(messages)
	if !ok {
		return "", false
	}
	return truncate(content, verbatimLimit), true
}

func firstUserContent(messages []chat.Message) (string, bool) {
	for _, m := range messages {
		if m.Role != chat.RoleUser {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			return "", false
		}
		return content, true
	}
	return "", false
}

func extract(content string) (string, bool) {
	text := strings.ToLower(content)

	for _, re := range leadPatterns {
		if m := re.FindStringSubmatch(text); m != nil && m[1] != "" {
			return cleanTopic(m[1]), true
		}
	}

	for _, re := range topicPatterns {
		if m := re.FindStringSubmatch(text); m != nil && strings.TrimSpace(m[1]) != "" {
			return cleanTopic(m[1]), true
		}
	}

	if title, ok := keywordWindow(content, text); ok {
		return title, true
	}

	// Fall back to the first sentence when it carries enough signal.
	sentences := sentenceSplitRe.Split(content, -1)
	if len(sentences) > 0 {
		first := strings.TrimSpace(sentences[0])
		if utf8.RuneCountInString(first) > 5 {
			return truncate(capitalize(first), titleLimit), true
		}
	}

	return "", false
}

// keywordWindow returns a short window of words centered on the first
// technical keyword found in the text.
func keywordWindow(content, text string) (string, bool) {
	for _, keyword := range techKeywords {
		if !strings.Contains(text, keyword) {
			continue
		}
		words := strings.Split(content, " ")
		idx := -1
		for i, w := range words {
			if strings.Contains(strings.ToLower(w), keyword) {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		start := idx - 1
		if start < 0 {
			start = 0
		}
		end := idx + 3
		if end > len(words) {
			end = len(words)
		}
		title := strings.Join(words[start:end], " ")
		return truncate(capitalize(title), titleLimit), true
	}
	return "", false
}

func cleanTopic(topic string) string {
	topic = strings.TrimSpace(topic)
	topic = leadingArticleRe.ReplaceAllString(topic, "")
	topic = trailingPolitenessRe.ReplaceAllString(topic, "")
	return truncate(capitalize(topic), titleLimit)
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
