package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/EmeraldPi/Dispatcharr/internal/metadata"
	"github.com/EmeraldPi/Dispatcharr/internal/repository"
)

// MetadataHandler enriches one catalog item from the configured provider.
// Clean misses and disabled enrichment are not failures; only transport
// errors are retried.
type MetadataHandler struct {
	service  *metadata.Service
	items    *repository.ItemRepository
	notifier EventNotifier
}

func NewMetadataHandler(service *metadata.Service, items *repository.ItemRepository, notifier EventNotifier) *MetadataHandler {
	return &MetadataHandler{service: service, items: items, notifier: notifier}
}

func (h *MetadataHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p MetadataPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}

	itemID, err := uuid.Parse(p.MediaItemID)
	if err != nil {
		return fmt.Errorf("bad media item id %q: %w", p.MediaItemID, asynq.SkipRetry)
	}

	item, err := h.service.SyncItem(ctx, itemID)
	switch {
	case err == nil:
	case errors.Is(err, metadata.ErrDisabled):
		return nil
	case errors.Is(err, metadata.ErrNoMatch):
		log.Printf("Metadata: no match for item %s", itemID)
		return nil
	case errors.Is(err, repository.ErrDuplicate):
		log.Printf("Metadata: rename collision for item %s, keeping local title", itemID)
		return nil
	default:
		return fmt.Errorf("sync item %s: %w", itemID, err)
	}

	if h.notifier != nil {
		h.notifier.Broadcast("media:item", item)
	}
	return nil
}
