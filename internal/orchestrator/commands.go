package orchestrator

import (
	"context"
	"log/slog"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/internal/sessions"
	"github.com/wkin-t/dingtalk-ai-bot/pkg/protocol"
)

// Command acknowledgements.
const (
	AckClear       = "🧹 上下文已清空"
	AckClearFailed = "⚠️ 清空上下文失败，请稍后重试。"
	AckStop        = "⏹ 已停止生成"
	AckNothingRun  = "当前没有正在生成的回复。"
	AckNoRetry     = "没有可以重试的消息。"
)

// HelpText lists the control commands and routing directives.
const HelpText = `**可用命令**
- /clear 或 清空上下文：清空当前会话记忆
- /retry 或 重试：重新生成上一条回复
- /stop 或 停止：停止正在生成的回复
- /help 或 帮助：显示本帮助

**路由指令**（放在消息开头）
- /pro 使用专业模型，/flash 使用快速模型
- /search 开启联网搜索，/nosearch 关闭联网搜索
- 消息中包含「深度思考」会使用专业模型并开启深度推理`

func (o *Orchestrator) command(msg bus.InboundMessage) {
	key := sessions.KeyFor(msg)
	o.deps.Metrics.Command(string(msg.Command))
	slog.Info("control command", "command", msg.Command, "session", key, "sender", msg.SenderID)

	// Stop and retry discard messages still waiting in the window, so
	// nothing the user sent before the command runs after it.
	discarded := false
	if msg.Command == bus.CommandStop || msg.Command == bus.CommandRetry {
		_, discarded = o.buffer.Cancel(key)
	}

	cancelled := false
	switch msg.Command {
	case bus.CommandHelp:
		o.notice(msg, HelpText)

	case bus.CommandClear:
		ctx, cancel := context.WithTimeout(o.base, storeTimeout)
		var err error
		cancelled, err = o.reset(ctx, key)
		cancel()
		if err != nil {
			o.notice(msg, AckClearFailed)
			break
		}
		o.notice(msg, AckClear)

	case bus.CommandStop:
		dropped := false
		cancelled = o.cancel(key, func(st *keyState) {
			dropped = st.pending != nil
			st.pending = nil
		})
		if cancelled || dropped || discarded {
			o.notice(msg, AckStop)
		} else {
			o.notice(msg, AckNothingRun)
		}

	case bus.CommandRetry:
		var found bool
		cancelled, found = o.retry(key, msg)
		if !found {
			o.notice(msg, AckNoRetry)
		}
	}

	o.broadcast(protocol.EventCommand, protocol.CommandEvent{SessionKey: key, Command: string(msg.Command), Cancelled: cancelled})
}

// Reset drops everything held for key: the open debounce window, the
// in-flight and pending turns and the stored history.
func (o *Orchestrator) Reset(ctx context.Context, key string) error {
	cancelled, err := o.reset(ctx, key)
	o.broadcast(protocol.EventCommand, protocol.CommandEvent{SessionKey: key, Command: string(bus.CommandClear), Cancelled: cancelled})
	return err
}

func (o *Orchestrator) reset(ctx context.Context, key string) (bool, error) {
	o.buffer.Cancel(key)
	cancelled := o.cancel(key, func(st *keyState) {
		st.pending = nil
		st.last = nil
	})
	return cancelled, o.deps.Memory.Clear(ctx, key)
}

// cancel stops key's in-flight turn and applies also to the state. It
// reports whether a turn was running.
func (o *Orchestrator) cancel(key string, also func(st *keyState)) bool {
	cancelled := false
	o.keys.With(key, func(st *keyState) bool {
		if st.inflight != nil && !st.inflight.stopped {
			stopLocked(st.inflight)
			cancelled = true
		}
		also(st)
		return o.keepLocked(st)
	})
	return cancelled
}

// retry re-runs the last dispatched turn, replying to the retry command.
// A streaming turn is cancelled first and the rerun takes its place at the
// head of the pending slot.
func (o *Orchestrator) retry(key string, cmd bus.InboundMessage) (cancelled, found bool) {
	var start *run
	o.keys.With(key, func(st *keyState) bool {
		if st.last != nil && o.expiredLocked(st, o.now()) {
			st.last = nil
		}
		if st.last == nil {
			return o.keepLocked(st)
		}
		found = true
		again := queued{turn: st.last.turn, replyTo: &cmd}
		if st.inflight == nil {
			start = o.startLocked(st, again)
			return true
		}
		if !st.inflight.stopped {
			stopLocked(st.inflight)
			cancelled = true
		}
		if st.pending != nil {
			merged := queued{turn: again.turn.Merge(st.pending.turn), replyTo: &cmd}
			st.pending = &merged
		} else {
			st.pending = &again
		}
		return true
	})
	if start != nil {
		o.launch(start)
	}
	return cancelled, found
}
