package chat

import (
	"context"

	"github.com/synaptiq/graphchat/pkg/api"
)

// TokenStream is a lazy, finite, non-restartable sequence of text
// increments. Next returns io.EOF once the stream completes.
type TokenStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Backend is the slice of the HTTP client the controller needs.
type Backend interface {
	ChatStream(ctx context.Context, workspace, thread, message string) (TokenStream, error)
	ThreadHistory(ctx context.Context, workspace, thread string) ([]api.ThreadMessage, error)
}

// PagePreparer turns captured page content into a context note for the
// outgoing message, possibly blocking on a bounded server-side ingestion
// wait. Implemented by the ingest workflow.
type PagePreparer interface {
	ContextNote(ctx context.Context, workspace string, page api.PageSubmission) (string, error)
}

type clientBackend struct {
	client *api.Client
}

// APIBackend adapts the concrete HTTP client to the Backend interface.
func APIBackend(client *api.Client) Backend {
	return clientBackend{client: client}
}

func (b clientBackend) ChatStream(ctx context.Context, workspace, thread, message string) (TokenStream, error) {
	stream, err := b.client.ChatStream(ctx, workspace, thread, message)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (b clientBackend) ThreadHistory(ctx context.Context, workspace, thread string) ([]api.ThreadMessage, error) {
	return b.client.ThreadHistory(ctx, workspace, thread)
}
