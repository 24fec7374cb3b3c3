package dingtalk

import (
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/wkin-t/dingtalk-ai-bot/internal/channels"
)

// AI card flow states.
const (
	flowThinking  = "1"
	flowStreaming = "2"
	flowFinalized = "3"
	flowFailed    = "5"
)

const (
	maxThinkingRunes = 2000
	statusBriefWidth = 80
	placeholderText  = "Thinking..."
	thinkingPhrase   = "思考中..."
)

// renderBody lays out the card body: a collapsible thinking block above
// the answer.
func renderBody(u channels.Update) string {
	var b strings.Builder
	if u.Thinking != "" {
		th := truncateRunes(u.Thinking, maxThinkingRunes)
		if u.StillThinking {
			b.WriteString("<details open>\n<summary>🧠 **正在思考中...**</summary>\n\n" + th + "\n</details>")
		} else {
			b.WriteString("<details>\n<summary>🧠 **思考过程** (点击展开)</summary>\n\n" + th + "\n</details>")
		}
	}
	switch {
	case u.Text != "":
		if u.Thinking != "" {
			b.WriteString("\n---\n")
		}
		b.WriteString(u.Text)
	case u.StillThinking:
		b.WriteString("\n\n⏳ *等待回复生成...*")
	}
	return b.String()
}

// renderStatus builds the grey footer: a one-line thinking brief and the
// routing summary.
func renderStatus(u channels.Update) string {
	var parts []string
	if u.Thinking != "" {
		brief := strings.Join(strings.Fields(u.Thinking), " ")
		brief = runewidth.Truncate(brief, statusBriefWidth, "...")
		parts = append(parts, "<font color='#aaaaaa' size='2'>🧠 "+brief+"</font>")
	}
	if u.Status != "" {
		parts = append(parts, "<font color='#808080' size='2'>"+u.Status+"</font>")
	}
	return strings.Join(parts, "\n\n")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func initialParams(title string) map[string]string {
	return map[string]string{
		"msgTitle":     title,
		"thinkingText": thinkingPhrase,
		"msgContent":   placeholderText,
		"isError":      "false",
		"flowStatus":   flowThinking,
		"config":       `{"autoLayout":true}`,
	}
}
