// Package mongo wires the classlog.Recorder interface to the MongoDB client.
package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/maice-ai/maice/features/classlog/mongo/clients/mongo"
	"github.com/maice-ai/maice/runtime/tutor/classlog"
)

// Recorder implements classlog.Recorder by delegating to the Mongo client.
type Recorder struct {
	client clientsmongo.Client
}

// NewRecorder builds a Mongo-backed classification recorder using the
// provided client.
func NewRecorder(client clientsmongo.Client) (*Recorder, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Recorder{client: client}, nil
}

// Record implements classlog.Recorder.
func (r *Recorder) Record(ctx context.Context, e classlog.Entry) error {
	return r.client.Record(ctx, e)
}
