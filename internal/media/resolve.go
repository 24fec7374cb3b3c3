// Package media turns inbound attachments into model input: images become
// downscaled JPEG parts, audio and documents become text via remote tools.
// Every failure degrades to a short note in the user's text.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
	"github.com/wkin-t/dingtalk-ai-bot/internal/providers"
)

// Notes shown in place of attachments that could not be used.
const (
	NoteImageFailed    = "[图片下载失败]"
	NoteAudioFailed    = "语音已收到，但转写失败，请稍后重试。"
	NoteFileFormat     = "已收到文件：%s，但解析失败，请稍后重试。"
	NoteUnsupported    = "[暂不支持的消息类型]"
	NoteDownloadFormat = "[%s 下载失败]"
)

const fetchConcurrency = 3

// Fetcher downloads attachment bytes. Platform adapters implement it.
type Fetcher interface {
	FetchAttachment(ctx context.Context, att bus.Attachment) ([]byte, error)
}

// Resolved is the model-ready form of a turn's attachments.
type Resolved struct {
	Images []providers.ImageContent
	Notes  []string // appended to the user text in attachment order
	Errs   []error  // *AttachmentError for every degraded attachment
}

// Resolver resolves attachments with a bounded number of parallel fetches.
type Resolver struct {
	cfg   config.MediaConfig
	tools *Tools
}

// NewResolver creates a resolver. tools may be nil.
func NewResolver(cfg config.MediaConfig, tools *Tools) *Resolver {
	return &Resolver{cfg: cfg, tools: tools}
}

type outcome struct {
	image *providers.ImageContent
	note  string
	err   error
}

// Resolve processes atts in order. It never fails: problems surface as
// notes plus entries in Errs.
func (r *Resolver) Resolve(ctx context.Context, f Fetcher, atts []bus.Attachment) Resolved {
	results := make([]outcome, len(atts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, att := range atts {
		g.Go(func() error {
			results[i] = r.one(gctx, f, att)
			return nil
		})
	}
	_ = g.Wait()

	var out Resolved
	for i, res := range results {
		if res.image != nil {
			out.Images = append(out.Images, *res.image)
		}
		if res.note != "" {
			out.Notes = append(out.Notes, res.note)
		}
		if res.err != nil {
			slog.Warn("attachment degraded", "kind", atts[i].Kind, "error", res.err)
			out.Errs = append(out.Errs, res.err)
		}
	}
	return out
}

func (r *Resolver) one(ctx context.Context, f Fetcher, att bus.Attachment) outcome {
	fail := func(note string, err error) outcome {
		return outcome{note: note, err: &AttachmentError{Kind: att.Kind, Reference: att.Reference, Err: err}}
	}

	// The platform already recognised the speech; no download needed.
	if att.Kind == bus.AttachmentAudio && att.Text != "" {
		return outcome{note: att.Text}
	}
	if att.Unresolvable || att.Reference == "" {
		return fail(NoteUnsupported, ErrUnresolvable)
	}

	data, err := r.fetch(ctx, f, att)
	if err != nil {
		switch att.Kind {
		case bus.AttachmentImage:
			return fail(NoteImageFailed, err)
		case bus.AttachmentAudio:
			return fail(fmt.Sprintf(NoteDownloadFormat, "语音"), err)
		default:
			return fail(fmt.Sprintf(NoteDownloadFormat, "文件"), err)
		}
	}

	switch att.Kind {
	case bus.AttachmentImage:
		jpeg, err := Downscale(data, r.cfg.MaxImageEdge, r.cfg.JPEGQuality)
		if err != nil {
			return fail(NoteImageFailed, err)
		}
		return outcome{image: &providers.ImageContent{
			MimeType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(jpeg),
		}}
	case bus.AttachmentAudio:
		text, err := r.tools.Transcribe(ctx, att.Name, data)
		if err != nil {
			return fail(NoteAudioFailed, err)
		}
		return outcome{note: text}
	default:
		text, err := r.tools.Summarize(ctx, att.Name, data)
		if err != nil {
			return fail(fmt.Sprintf(NoteFileFormat, nonEmpty(att.Name, "file")), err)
		}
		return outcome{note: text}
	}
}

func (r *Resolver) fetch(ctx context.Context, f Fetcher, att bus.Attachment) ([]byte, error) {
	if f == nil {
		return nil, errors.New("no fetcher for platform")
	}
	limit := r.cfg.MaxDownloadBytes
	if limit > 0 && att.SizeBytes > limit {
		return nil, ErrTooLarge
	}
	data, err := f.FetchAttachment(ctx, att)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	if len(data) == 0 {
		return nil, errors.New("empty download")
	}
	return data, nil
}
