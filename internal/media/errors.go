package media

import (
	"errors"
	"fmt"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
)

var (
	ErrUnresolvable = errors.New("attachment has no usable reference")
	ErrTooLarge     = errors.New("attachment exceeds size limit")
	ErrNoTool       = errors.New("no tool configured")
)

// AttachmentError reports an attachment that could not be turned into
// model input. The turn continues with a note in place of the attachment.
type AttachmentError struct {
	Kind      bus.AttachmentKind
	Reference string
	Err       error
}

func (e *AttachmentError) Error() string {
	if e.Reference == "" {
		return fmt.Sprintf("media: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("media: %s %q: %v", e.Kind, e.Reference, e.Err)
}

func (e *AttachmentError) Unwrap() error { return e.Err }
