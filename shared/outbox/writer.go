package outbox

import (
	"context"
	"errors"

	"retail-backbone/shared/dbx"
	"retail-backbone/shared/events"
)

// Inserter is the part of Repo the writer needs.
type Inserter interface {
	Insert(ctx context.Context, db dbx.DBTX, e Event) (Event, error)
}

// Writer enqueues facts for later relay. Enqueue must run in the same
// transaction as the state change the fact describes.
type Writer struct {
	repo   Inserter
	source string
}

func NewWriter(repo Inserter, source string) (*Writer, error) {
	if repo == nil {
		return nil, errors.New("outbox repo is required")
	}
	return &Writer{repo: repo, source: source}, nil
}

func (w *Writer) Enqueue(ctx context.Context, tx dbx.DBTX, fact any) (Event, error) {
	key, body, err := events.Encode(fact)
	if err != nil {
		return Event{}, err
	}
	return w.repo.Insert(ctx, tx, Event{
		Source:     w.source,
		RoutingKey: key,
		Payload:    body,
	})
}
