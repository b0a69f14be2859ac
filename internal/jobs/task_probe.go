package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/EmeraldPi/Dispatcharr/internal/fingerprint"
	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/EmeraldPi/Dispatcharr/internal/probe"
	"github.com/EmeraldPi/Dispatcharr/internal/repository"
)

// ProbeHandler extracts technical facts for one media file. Probe problems
// never bubble up: a file that cannot be inspected keeps whatever facts it
// had.
type ProbeHandler struct {
	files         *repository.FileRepository
	prober        *probe.Prober
	fingerprinter *fingerprint.Fingerprinter
	notifier      EventNotifier
}

func NewProbeHandler(files *repository.FileRepository, prober *probe.Prober,
	fingerprinter *fingerprint.Fingerprinter, notifier EventNotifier) *ProbeHandler {
	return &ProbeHandler{files: files, prober: prober, fingerprinter: fingerprinter, notifier: notifier}
}

func (h *ProbeHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p ProbePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}

	fileID, err := uuid.Parse(p.FileID)
	if err != nil {
		return fmt.Errorf("bad file id %q: %w", p.FileID, asynq.SkipRetry)
	}

	file, err := h.files.GetByID(fileID)
	if err != nil {
		log.Printf("Probe: file %s not found, dropping task", p.FileID)
		return fmt.Errorf("file %s: %v: %w", p.FileID, err, asynq.SkipRetry)
	}
	if file.MissingSince != nil {
		log.Printf("Probe: skipping missing file %s", file.AbsolutePath)
		return nil
	}

	raw := h.prober.Probe(ctx, file.AbsolutePath)
	if raw.Empty() {
		log.Printf("Probe: no technical data for %s", file.AbsolutePath)
		return nil
	}

	probe.Apply(file, raw)
	if err := h.files.ApplyProbe(file); err != nil {
		return fmt.Errorf("store probe for %s: %w", file.ID, err)
	}

	if file.Fingerprint == nil || *file.Fingerprint == "" {
		h.computeFingerprint(ctx, file)
	}

	if h.notifier != nil {
		h.notifier.Broadcast("media:file", file)
	}
	return nil
}

// computeFingerprint hashes a frame from a quarter of the way in, far enough
// to clear studio logos and cold opens. Fingerprint failures are logged and
// dropped.
func (h *ProbeHandler) computeFingerprint(ctx context.Context, file *models.MediaFile) {
	if h.fingerprinter == nil {
		return
	}

	seek := 60
	if file.DurationMS != nil && *file.DurationMS > 0 {
		seek = int(*file.DurationMS / 1000 / 4)
	}

	fp, err := h.fingerprinter.Compute(ctx, file.AbsolutePath, seek)
	if err != nil {
		log.Printf("Probe: fingerprint failed for %s: %v", file.AbsolutePath, err)
		return
	}
	if err := h.files.SetFingerprint(file.ID, fp); err != nil {
		log.Printf("Probe: failed to store fingerprint for %s: %v", file.ID, err)
		return
	}
	file.Fingerprint = &fp
}
