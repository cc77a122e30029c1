package events

import (
	"context"
	"fmt"

	"otp-service/internal/models"
)

// DocumentIndexer is satisfied by client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

type ElasticsearchPublisher struct {
	indexer DocumentIndexer
	index   string
}

func NewElasticsearchPublisher(indexer DocumentIndexer, index string) *ElasticsearchPublisher {
	return &ElasticsearchPublisher{indexer: indexer, index: index}
}

func (p *ElasticsearchPublisher) Publish(ctx context.Context, event *models.OTPEvent) error {
	if err := p.indexer.IndexDocument(ctx, p.index, event.ID, event); err != nil {
		return fmt.Errorf("elasticsearch publish: %w", err)
	}
	return nil
}
