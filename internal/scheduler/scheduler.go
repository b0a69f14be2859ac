package scheduler

import (
	"log"
	"time"

	"github.com/EmeraldPi/Dispatcharr/internal/config"
	"github.com/EmeraldPi/Dispatcharr/internal/jobs"
	"github.com/EmeraldPi/Dispatcharr/internal/repository"
	"github.com/robfig/cron/v3"
)

// Scheduler drives the periodic work: an auto-scan due check every minute
// and an hourly retention sweep over finished scans.
type Scheduler struct {
	libraries   *repository.LibraryRepository
	scans       *repository.ScanRepository
	coordinator *jobs.Coordinator
	cfg         *config.Config
	cron        *cron.Cron
}

func New(libraries *repository.LibraryRepository, scans *repository.ScanRepository,
	coordinator *jobs.Coordinator, cfg *config.Config) *Scheduler {
	return &Scheduler{
		libraries:   libraries,
		scans:       scans,
		coordinator: coordinator,
		cfg:         cfg,
		cron:        cron.New(),
	}
}

func (s *Scheduler) Start() {
	s.cron.AddFunc("@every 1m", s.checkAutoScans)
	s.cron.AddFunc("@hourly", s.pruneScans)
	s.cron.Start()
	log.Println("Scheduler: started (auto-scan check every 1m, retention sweep hourly)")
}

// Stop halts the cron loop and waits for in-flight jobs to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("Scheduler: stopped")
}

func (s *Scheduler) checkAutoScans() {
	libraries, err := s.libraries.ListDueForAutoScan(time.Now().UTC())
	if err != nil {
		log.Printf("Scheduler: failed to check due libraries: %v", err)
		return
	}

	for _, library := range libraries {
		log.Printf("Scheduler: library %q is due for a scan", library.Name)
		if _, err := s.coordinator.Enqueue(library.ID, nil, false, nil); err != nil {
			log.Printf("Scheduler: failed to queue scan for %q: %v", library.Name, err)
		}
	}
}

func (s *Scheduler) pruneScans() {
	threshold := time.Now().UTC().Add(-time.Duration(s.cfg.ScanRetentionHours) * time.Hour)
	pruned, err := s.scans.PruneStale(threshold)
	if err != nil {
		log.Printf("Scheduler: retention sweep failed: %v", err)
		return
	}
	if pruned > 0 {
		log.Printf("Scheduler: pruned %d finished scans older than %dh", pruned, s.cfg.ScanRetentionHours)
	}
}
