package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/internal/providers"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
)

const (
	stampLayout = "2006-01-02 15:04:05"

	// DefaultImagePrompt stands in for the text of an image-only turn.
	DefaultImagePrompt = "请详细描述这张图片的内容，包括主要元素、场景、文字等信息。"
)

const systemTemplate = `你是 %[1]s，一个有帮助的 AI 助手。你的回答应该准确，不要产生幻觉。

⏰ 重要时间信息（请务必记住）:
- 今天是: %[2]d 年 %[3]d 月 %[4]d 日
- 当前完整时间: %[5]s (北京时间, UTC+8)
- 你的训练数据可能有截止时间，但现在已经是 %[2]d 年了
- 当回答涉及"今年"、"现在"、"当前"等时间相关问题时，请使用上述日期而非训练数据中的时间

格式规则:
1. 不要使用 LaTeX 语法（如 $x^2$ 或 $$...$$）。用纯文本或 Unicode 表示数学公式（如 x^2, sqrt(x)）。
2. 可以使用 Markdown：表格、加粗、斜体、列表、代码块。

上下文感知:
- 对话历史中包含用户昵称和时间戳，格式为 '[时间] 昵称: 消息'。
- 引用用户发言时，可以提及其昵称和时间（如 '正如张三在 14:30 所说...'）。
- 所有时间均为北京时间 (UTC+8)。

重点:
- 直接回应最新用户的输入。
- 仅将之前的上下文作为参考。

输出要求:
- 直接输出答案，不要输出状态指示器。
- 使用中文回答。技术术语可在中文后加英文括号（如：机器学习 (Machine Learning)）。

搜索和实时信息:
- 如果启用了搜索，搜索结果会自动提供给你
- 当搜索结果与你的训练数据冲突时，优先相信搜索结果

地理和时区规则:
- 默认按北京时间 (Asia/Shanghai, UTC+8) 回答时间相关问题。
- 用户未明确给出城市时，默认按中国大陆场景理解，并优先追问具体城市。`

const groupTemplate = `

群聊说明:
- 你正在群聊%s中，多位成员共享同一段对话历史。
- 历史中的每条用户消息都带有发言人昵称，回答时注意区分是谁在提问。
- 群聊中回复应简洁，避免刷屏。`

// Prompt assembles model requests for one bot persona.
type Prompt struct {
	BotName  string
	Location *time.Location
	Now      func() time.Time
	// Plain drops the system prompt, for agent backends that carry their own.
	Plain bool
	// HistoryLimit keeps only the newest entries; zero keeps all.
	HistoryLimit int
}

func (p Prompt) now() time.Time {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	loc := p.Location
	if loc == nil {
		loc = beijing
	}
	return now().In(loc)
}

// System renders the system prompt. group adds the shared-context note;
// groupName may be empty.
func (p Prompt) System(group bool, groupName string) string {
	now := p.now()
	s := fmt.Sprintf(systemTemplate, p.BotName, now.Year(), int(now.Month()), now.Day(), now.Format(stampLayout))
	if group {
		name := ""
		if groupName != "" {
			name = "「" + groupName + "」"
		}
		s += fmt.Sprintf(groupTemplate, name)
	}
	return s
}

// History renders stored entries. User entries are prefixed with their
// timestamp so they read "[time] nick: content".
func (p Prompt) History(entries []store.HistoryEntry) []providers.Message {
	loc := p.now().Location()
	out := make([]providers.Message, 0, len(entries))
	for _, e := range entries {
		content := e.Content
		if e.Role == store.RoleUser && !e.Timestamp.IsZero() {
			content = "[" + e.Timestamp.In(loc).Format(stampLayout) + "] " + content
		}
		out = append(out, providers.Message{Role: string(e.Role), Content: content})
	}
	return out
}

// UserContent is what gets stored for the user side of a turn.
func UserContent(nick, text string, images int) string {
	s := nick + ": " + text
	if images > 0 {
		s += fmt.Sprintf(" [图片x%d]", images)
	}
	return s
}

// Current renders the live user message with its timestamp and images.
func (p Prompt) Current(nick, text string, images []providers.ImageContent) providers.Message {
	prefix := "[" + p.now().Format(stampLayout) + "] " + nick + ": "
	if len(images) > 0 {
		prefix += fmt.Sprintf("[图片x%d] ", len(images))
	}
	return providers.Message{Role: "user", Content: prefix + text, Images: images}
}

// Messages assembles the full request: system prompt, history, current turn.
func (p Prompt) Messages(reply bus.InboundMessage, history []store.HistoryEntry, text string, images []providers.ImageContent) []providers.Message {
	if p.HistoryLimit > 0 && len(history) > p.HistoryLimit {
		history = history[len(history)-p.HistoryLimit:]
	}
	msgs := make([]providers.Message, 0, len(history)+2)
	if !p.Plain {
		msgs = append(msgs, providers.Message{Role: "system", Content: p.System(reply.IsGroup(), reply.ConversationName)})
	}
	msgs = append(msgs, p.History(history)...)
	msgs = append(msgs, p.Current(nickOf(reply), text, images))
	return msgs
}

func nickOf(m bus.InboundMessage) string {
	if n := strings.TrimSpace(m.SenderNick); n != "" {
		return n
	}
	return m.SenderID
}

var beijing = time.FixedZone("CST", 8*3600)

// LoadLocation resolves an IANA zone, falling back to UTC+8.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return beijing
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return beijing
	}
	return loc
}
