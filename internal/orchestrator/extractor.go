package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/switchboard/internal/agentsvc"
)

// Extractor reads replies back out of a thread.
type Extractor struct {
	Service AgentService
}

// LatestReply returns the text of the most recent message on threadID.
// Text segments are concatenated in order; image references are left
// out.
func (x *Extractor) LatestReply(ctx context.Context, threadID string) (string, error) {
	msgs, err := x.Service.ListMessages(ctx, threadID, agentsvc.ListOptions{Order: agentsvc.OrderDesc, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("extract reply: %w", err)
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("thread %s: %w", threadID, ErrEmptyThread)
	}
	return MessageText(msgs[0]), nil
}

// MessageText concatenates the text segments of m.
func MessageText(m agentsvc.Message) string {
	var b strings.Builder
	for _, item := range m.Content {
		switch it := item.(type) {
		case agentsvc.TextItem:
			b.WriteString(it.Text)
		case agentsvc.ImageReferenceItem:
		}
	}
	return b.String()
}

// RenderMessage renders every segment of m for transcripts, writing
// images as "<image from ID: file-id>" on their own line.
func RenderMessage(m agentsvc.Message) string {
	var b strings.Builder
	for _, item := range m.Content {
		switch it := item.(type) {
		case agentsvc.TextItem:
			b.WriteString(it.Text)
		case agentsvc.ImageReferenceItem:
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "<image from ID: %s>\n", it.FileID)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
