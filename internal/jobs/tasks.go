package jobs

import (
	"github.com/EmeraldPi/Dispatcharr/internal/config"
	"github.com/EmeraldPi/Dispatcharr/internal/fingerprint"
	"github.com/EmeraldPi/Dispatcharr/internal/metadata"
	"github.com/EmeraldPi/Dispatcharr/internal/probe"
	"github.com/EmeraldPi/Dispatcharr/internal/repository"
)

// ──────── Payloads ────────

type ScanPayload struct {
	ScanID    string `json:"scan_id"`
	LibraryID string `json:"library_id"`
}

type ProbePayload struct {
	FileID string `json:"file_id"`
}

type MetadataPayload struct {
	MediaItemID string `json:"media_item_id"`
}

type EventNotifier interface {
	Broadcast(event string, data interface{})
}

// ──────── Register all handlers ────────

func RegisterHandlers(q *Queue, coordinator *Coordinator,
	libRepo *repository.LibraryRepository, scanRepo *repository.ScanRepository,
	itemRepo *repository.ItemRepository, fileRepo *repository.FileRepository,
	prober *probe.Prober, fingerprinter *fingerprint.Fingerprinter,
	metaSvc *metadata.Service, notifier EventNotifier, cfg *config.Config) {

	q.RegisterHandler(TaskScanLibrary, NewScanHandler(coordinator, libRepo, scanRepo, itemRepo, fileRepo, q, notifier, cfg))
	q.RegisterHandler(TaskProbeFile, NewProbeHandler(fileRepo, prober, fingerprinter, notifier))
	q.RegisterHandler(TaskSyncMetadata, NewMetadataHandler(metaSvc, itemRepo, notifier))
}
