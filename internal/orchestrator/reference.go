package orchestrator

import (
	"strings"

	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
)

// referenceTriggers are phrases that point back at an earlier message.
var referenceTriggers = []string{"你刚才", "刚刚", "上条", "上一条", "前面", "之前", "继续", "那个", "这张", "这个文件"}

const quoteRunes = 160

// QuoteReference prefixes text with the previous user message when text
// refers back to it. Only the model sees the quote; history keeps the raw
// text. It reports whether a quote was added.
func QuoteReference(text string, history []store.HistoryEntry, maxRunes int) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" || !refersBack(text) {
		return text, false
	}
	var quote string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == store.RoleUser && strings.TrimSpace(history[i].Content) != "" {
			quote = strings.ReplaceAll(strings.TrimSpace(history[i].Content), "\n", " ")
			break
		}
	}
	if quote == "" {
		return text, false
	}
	if r := []rune(quote); len(r) > maxRunes {
		quote = string(r[:max(0, maxRunes-3)]) + "..."
	}
	return "[引用] " + quote + "\n\n" + text, true
}

func refersBack(text string) bool {
	for _, t := range referenceTriggers {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}
