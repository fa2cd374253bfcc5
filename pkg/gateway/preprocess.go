package gateway

import (
	"fmt"
	"path"
	"strings"

	"github.com/gantry-ai/gantry/pkg/conversation"
	"github.com/gantry-ai/gantry/pkg/scheduling"
)

// imageExtensions marks file refs that put the request on the vision path.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
}

// imageDirective short-circuits routing to image generation when the
// message opens with it.
const imageDirective = "/image"

// Preprocessor turns an inbound message into an admissible request:
// estimates input tokens, derives classification hints, and applies the
// low-tier watermark policy.
type Preprocessor struct {
	queue *scheduling.Queue
	// watermark is the queue size at or above which normal-tier requests
	// are rejected. Zero disables the policy.
	watermark int
}

// NewPreprocessor creates a preprocessor against the admission queue.
func NewPreprocessor(queue *scheduling.Queue, watermark int) *Preprocessor {
	return &Preprocessor{queue: queue, watermark: watermark}
}

// Prepare fills the request's estimate and hint and applies admission
// policy. A non-nil error means the request must be rejected before
// enqueueing.
func (p *Preprocessor) Prepare(req *scheduling.Request) error {
	req.EstimatedTokens = conversation.EstimateTokens(req.Content)

	if strings.HasPrefix(strings.TrimSpace(req.Content), imageDirective) {
		req.Hint = scheduling.HintImage
	} else {
		for _, ref := range req.FileRefs {
			if imageExtensions[strings.ToLower(path.Ext(ref))] {
				req.Hint = scheduling.HintVision
				break
			}
		}
	}

	if p.watermark > 0 && req.Tier == scheduling.TierNormal && p.queue.Size() >= p.watermark {
		return fmt.Errorf("%w: above admission watermark", scheduling.ErrQueueFull)
	}
	return nil
}
