package bus

import (
	"regexp"
	"strings"
)

// Command is a control command that bypasses the debounce buffer.
type Command string

const (
	CommandNone  Command = ""
	CommandClear Command = "clear"
	CommandRetry Command = "retry"
	CommandStop  Command = "stop"
	CommandHelp  Command = "help"
)

var commandAliases = map[string]Command{
	"/clear":  CommandClear,
	"清空上下文":  CommandClear,
	"清空记忆":   CommandClear,
	"🧹 清空记忆": CommandClear,
	"/retry":  CommandRetry,
	"重试":     CommandRetry,
	"🔄 重试":   CommandRetry,
	"/stop":   CommandStop,
	"停止":     CommandStop,
	"⏹ 停止":   CommandStop,
	"/help":   CommandHelp,
	"帮助":     CommandHelp,
}

// ParseCommand recognizes a control command. The whole message must be the
// command; "/clear please" is ordinary content.
func ParseCommand(text string) Command {
	t := strings.TrimSpace(text)
	if c, ok := commandAliases[strings.ToLower(t)]; ok {
		return c
	}
	return CommandNone
}

// Override is a user-explicit routing request. Empty fields mean "no
// preference"; a non-zero Override always beats the router.
type Override struct {
	Tier     string `json:"tier,omitempty"`     // "flash" or "pro"
	Thinking string `json:"thinking,omitempty"` // minimal, low, medium, high
	Search   *bool  `json:"search,omitempty"`
}

// IsZero reports whether the override expresses no preference.
func (o Override) IsZero() bool {
	return o.Tier == "" && o.Thinking == "" && o.Search == nil
}

// Merge overlays later on top of o.
func (o Override) Merge(later Override) Override {
	if later.Tier != "" {
		o.Tier = later.Tier
	}
	if later.Thinking != "" {
		o.Thinking = later.Thinking
	}
	if later.Search != nil {
		o.Search = later.Search
	}
	return o
}

var directiveRe = regexp.MustCompile(`^/(pro|flash|search|nosearch)(?:\s+|$)`)

// ParseOverride strips leading slash directives (/pro, /flash, /search,
// /nosearch) and recognizes the natural-language requests 用pro and 深度思考,
// which stay in the text.
func ParseOverride(text string) (Override, string) {
	var o Override
	rest := strings.TrimSpace(text)
	for {
		m := directiveRe.FindStringSubmatch(strings.ToLower(rest))
		if m == nil {
			break
		}
		switch m[1] {
		case "pro":
			o.Tier = "pro"
		case "flash":
			o.Tier = "flash"
		case "search":
			on := true
			o.Search = &on
		case "nosearch":
			off := false
			o.Search = &off
		}
		rest = strings.TrimSpace(rest[len(m[0]):])
	}
	if strings.Contains(strings.ToLower(rest), "用pro") {
		o.Tier = "pro"
	}
	if strings.Contains(rest, "深度思考") {
		o.Tier = "pro"
		o.Thinking = "high"
	}
	return o, rest
}

var leadingMentionRe = regexp.MustCompile(`^@\S+\s*`)

// StripLeadingMention removes a leading "@bot " from group messages.
func StripLeadingMention(text string) string {
	return strings.TrimSpace(leadingMentionRe.ReplaceAllString(strings.TrimSpace(text), ""))
}

// Finish applies the shared text cleanup every normalizer runs last:
// mention stripping, command detection and override parsing.
func Finish(m InboundMessage) InboundMessage {
	m.Text = StripLeadingMention(m.Text)
	if c := ParseCommand(m.Text); c != CommandNone {
		m.Command = c
		return m
	}
	m.Override, m.Text = ParseOverride(m.Text)
	return m
}
