package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDownscale(t *testing.T) {
	tests := []struct {
		name         string
		w, h, edge   int
		wantW, wantH int
	}{
		{"wide", 3200, 1600, 1600, 1600, 800},
		{"tall", 400, 2000, 1000, 200, 1000},
		{"within bounds", 300, 200, 1600, 300, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Downscale(pngBytes(t, tt.w, tt.h), tt.edge, 80)
			if err != nil {
				t.Fatalf("Downscale: %v", err)
			}
			cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
			if err != nil {
				t.Fatalf("output is not jpeg: %v", err)
			}
			if cfg.Width != tt.wantW || cfg.Height != tt.wantH {
				t.Errorf("size = %dx%d, want %dx%d", cfg.Width, cfg.Height, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestDownscaleRejectsGarbage(t *testing.T) {
	if _, err := Downscale([]byte("not an image"), 0, 0); err == nil {
		t.Fatal("expected decode error")
	}
}

type fakeCaller struct {
	tools map[string]string
	err   error
	args  map[string]any
}

func (f *fakeCaller) Has(tool string) bool {
	_, ok := f.tools[tool]
	return ok
}

func (f *fakeCaller) Call(_ context.Context, tool string, args map[string]any) (string, error) {
	f.args = args
	if f.err != nil {
		return "", f.err
	}
	return f.tools[tool], nil
}

func TestToolsReplyShapes(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"plain", "  今天开会  ", "今天开会"},
		{"text field", `{"text":"hello"}`, "hello"},
		{"nested result", `{"result":{"content":"nested"}}`, "nested"},
		{"string result", `{"result":"direct"}`, "direct"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeCaller{tools: map[string]string{"asr": tt.reply}}
			got, err := NewTools(c, "asr", "file_summarize").Transcribe(context.Background(), "a.amr", []byte{1, 2, 3})
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if c.args["audio_base64"] != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) || c.args["filename"] != "a.amr" {
				t.Errorf("args = %v", c.args)
			}
		})
	}
}

func TestToolsSummaryPrefersSummaryField(t *testing.T) {
	c := &fakeCaller{tools: map[string]string{"file_summarize": `{"text":"raw","summary":"short"}`}}
	got, err := NewTools(c, "asr", "file_summarize").Summarize(context.Background(), "", []byte("x"))
	if err != nil || got != "short" {
		t.Fatalf("got %q, %v", got, err)
	}
	if c.args["filename"] != "file" {
		t.Errorf("filename = %v", c.args["filename"])
	}
}

func TestToolsUnconfigured(t *testing.T) {
	var nilTools *Tools
	if _, err := nilTools.Transcribe(context.Background(), "a", nil); !errors.Is(err, ErrNoTool) {
		t.Errorf("nil tools: %v", err)
	}
	c := &fakeCaller{tools: map[string]string{}}
	if _, err := NewTools(c, "asr", "").Transcribe(context.Background(), "a", nil); !errors.Is(err, ErrNoTool) {
		t.Errorf("missing tool: %v", err)
	}
}

type fakeFetcher map[string][]byte

func (f fakeFetcher) FetchAttachment(_ context.Context, att bus.Attachment) ([]byte, error) {
	data, ok := f[att.Reference]
	if !ok {
		return nil, errors.New("404")
	}
	return data, nil
}

func TestResolve(t *testing.T) {
	cfg := config.Default().Media
	caller := &fakeCaller{tools: map[string]string{"asr": "语音内容", "file_summarize": "文件摘要"}}
	r := NewResolver(cfg, NewTools(caller, cfg.ASRTool, cfg.FileTool))

	f := fakeFetcher{
		"img1":  pngBytes(t, 10, 10),
		"voice": []byte("amr"),
		"doc":   []byte("pdf"),
		"bad":   []byte("nope"),
	}
	atts := []bus.Attachment{
		{Kind: bus.AttachmentImage, Reference: "img1"},
		{Kind: bus.AttachmentImage, Reference: "missing"},
		{Kind: bus.AttachmentAudio, Reference: "voice"},
		{Kind: bus.AttachmentAudio, Text: "平台识别"},
		{Kind: bus.AttachmentFile, Reference: "doc", Name: "a.pdf"},
		{Kind: bus.AttachmentImage, Reference: "bad"},
		{Kind: bus.AttachmentFile, Unresolvable: true},
	}
	got := r.Resolve(context.Background(), f, atts)

	if len(got.Images) != 1 || got.Images[0].MimeType != "image/jpeg" {
		t.Fatalf("images = %+v", got.Images)
	}
	wantNotes := []string{NoteImageFailed, "语音内容", "平台识别", "文件摘要", NoteImageFailed, NoteUnsupported}
	if strings.Join(got.Notes, "|") != strings.Join(wantNotes, "|") {
		t.Errorf("notes = %q, want %q", got.Notes, wantNotes)
	}
	if len(got.Errs) != 3 {
		t.Fatalf("errs = %v", got.Errs)
	}
	for _, err := range got.Errs {
		var ae *AttachmentError
		if !errors.As(err, &ae) {
			t.Errorf("%v is not an AttachmentError", err)
		}
	}
	if !errors.Is(got.Errs[2], ErrUnresolvable) {
		t.Errorf("last err = %v", got.Errs[2])
	}
}

func TestResolveToolFailureFallbacks(t *testing.T) {
	cfg := config.Default().Media
	caller := &fakeCaller{tools: map[string]string{"asr": "", "file_summarize": ""}, err: errors.New("boom")}
	r := NewResolver(cfg, NewTools(caller, cfg.ASRTool, cfg.FileTool))
	f := fakeFetcher{"v": []byte("a"), "d": []byte("b")}

	got := r.Resolve(context.Background(), f, []bus.Attachment{
		{Kind: bus.AttachmentAudio, Reference: "v"},
		{Kind: bus.AttachmentFile, Reference: "d", Name: "报告.docx"},
	})
	want := []string{NoteAudioFailed, "已收到文件：报告.docx，但解析失败，请稍后重试。"}
	if strings.Join(got.Notes, "|") != strings.Join(want, "|") {
		t.Errorf("notes = %q", got.Notes)
	}
}

func TestResolveSizeLimit(t *testing.T) {
	cfg := config.Default().Media
	cfg.MaxDownloadBytes = 4
	r := NewResolver(cfg, nil)
	got := r.Resolve(context.Background(), fakeFetcher{"big": []byte("12345")}, []bus.Attachment{
		{Kind: bus.AttachmentImage, Reference: "big"},
	})
	if len(got.Errs) != 1 || !errors.Is(got.Errs[0], ErrTooLarge) {
		t.Fatalf("errs = %v", got.Errs)
	}
}
