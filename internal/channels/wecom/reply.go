package wecom

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxContentBytes = 20480
	maxSubtitle     = 112

	textThinking     = "正在思考中..."
	textDone         = "处理完成。"
	textExpired      = "会话已过期，请重新 @%s 提问。"
	textInvalidID    = "无效的流式任务 ID。"
	textAccepted     = "收到，正在思考中..."
	textMerged       = "(已合并到下一条回复)"
	textRateLimited  = "请求过于频繁，请稍后再试。"
	cardDescription  = "企业微信机器人"
	cardActionURL    = "https://work.weixin.qq.com"
	msgTypeStream    = "stream"
	msgTypeStreamTpl = "stream_with_template_card"
)

type streamBody struct {
	ID      string `json:"id"`
	Finish  bool   `json:"finish"`
	Content string `json:"content"`
}

type cardTitle struct {
	Title string `json:"title"`
	Desc  string `json:"desc"`
}

type cardAction struct {
	Type int    `json:"type"`
	URL  string `json:"url"`
}

type templateCard struct {
	CardType     string     `json:"card_type"`
	MainTitle    cardTitle  `json:"main_title"`
	SubTitleText string     `json:"sub_title_text"`
	CardAction   cardAction `json:"card_action"`
}

type streamReply struct {
	MsgType      string        `json:"msgtype"`
	Stream       streamBody    `json:"stream"`
	TemplateCard *templateCard `json:"template_card,omitempty"`
}

// replyBuilder renders passive-stream replies for one bot.
type replyBuilder struct {
	botName  string
	withCard bool
}

// build marshals a stream reply. includeCard adds the text_notice card in
// stream_with_template_card style; polls never carry it.
func (r replyBuilder) build(id, content string, finish, includeCard bool) []byte {
	content = truncateUTF8(strings.TrimSpace(content), maxContentBytes)
	reply := streamReply{
		MsgType: msgTypeStream,
		Stream:  streamBody{ID: id, Finish: finish, Content: content},
	}
	if r.withCard {
		reply.MsgType = msgTypeStreamTpl
		if includeCard {
			reply.TemplateCard = r.card(content, finish)
		}
	}
	out, _ := json.Marshal(reply)
	return out
}

func (r replyBuilder) card(content string, finish bool) *templateCard {
	title := r.botName + " 正在回复"
	if finish {
		title = r.botName + " 回复完成"
	}
	subtitle := strings.TrimSpace(strings.ReplaceAll(content, "\n", " "))
	if runes := []rune(subtitle); len(runes) > maxSubtitle {
		subtitle = string(runes[:maxSubtitle-3]) + "..."
	}
	if subtitle == "" {
		subtitle = "处理中..."
		if finish {
			subtitle = "已完成"
		}
	}
	return &templateCard{
		CardType:     "text_notice",
		MainTitle:    cardTitle{Title: title, Desc: cardDescription},
		SubTitleText: subtitle,
		CardAction:   cardAction{Type: 1, URL: cardActionURL},
	}
}

// poll answers a stream refresh from the task snapshot.
func (r replyBuilder) poll(store *streamStore, id string) []byte {
	if id == "" {
		return r.build(newStreamID(), textInvalidID, true, false)
	}
	t, ok := store.snapshot(id)
	if !ok {
		return r.build(id, fmt.Sprintf(textExpired, r.botName), true, false)
	}
	content := t.content
	if content == "" {
		content = textThinking
		if t.finished {
			content = textDone
		}
	}
	return r.build(id, content, t.finished, false)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
