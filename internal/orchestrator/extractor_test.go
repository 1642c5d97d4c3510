package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/nugget/switchboard/internal/agentsvc"
)

func TestLatestReply(t *testing.T) {
	tests := []struct {
		name     string
		messages []agentsvc.Message
		want     string
		wantErr  error
	}{
		{
			name:     "text segments concatenated",
			messages: []agentsvc.Message{reply(agentsvc.TextItem{Text: "Hello "}, agentsvc.TextItem{Text: "world"})},
			want:     "Hello world",
		},
		{
			name: "images omitted",
			messages: []agentsvc.Message{reply(
				agentsvc.TextItem{Text: "chart: "},
				agentsvc.ImageReferenceItem{FileID: "file_1"},
				agentsvc.TextItem{Text: "done"},
			)},
			want: "chart: done",
		},
		{
			name: "most recent message only",
			messages: []agentsvc.Message{
				reply(agentsvc.TextItem{Text: "newest"}),
				reply(agentsvc.TextItem{Text: "older"}),
			},
			want: "newest",
		},
		{
			name:     "image-only reply",
			messages: []agentsvc.Message{reply(agentsvc.ImageReferenceItem{FileID: "file_1"})},
			want:     "",
		},
		{
			name:    "empty thread",
			wantErr: ErrEmptyThread,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := &Extractor{Service: &fakeService{messages: tt.messages}}
			got, err := x.LatestReply(context.Background(), "thread_1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("LatestReply() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("LatestReply() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("LatestReply() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderMessage(t *testing.T) {
	m := reply(
		agentsvc.TextItem{Text: "Here is the chart"},
		agentsvc.ImageReferenceItem{FileID: "file_42"},
		agentsvc.TextItem{Text: "and a summary."},
	)
	want := "Here is the chart\n<image from ID: file_42>\nand a summary."
	if got := RenderMessage(m); got != want {
		t.Errorf("RenderMessage() =\n%q\nwant\n%q", got, want)
	}
}

func TestRunErrorMessage(t *testing.T) {
	err := newRunError(&agentsvc.Run{
		ID:        "run_9",
		Status:    agentsvc.StatusExpired,
		LastError: &agentsvc.RunLastError{Code: "expired"},
	})
	if got, want := err.Error(), "run run_9 ended with status expired: expired"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrRunExpired) {
		t.Error("RunError does not unwrap to ErrRunExpired")
	}
}
