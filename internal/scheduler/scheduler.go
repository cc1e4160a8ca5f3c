// Package scheduler runs the pipeline phases on a fixed cadence and guards
// against overlapping runs. The phase order is fixed: tracker sync, file
// ingestion, test-case generation, impact analysis. A phase failure is
// recorded in the report but never stops the later phases.
package scheduler

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/caseflow/caseflow/internal/pipeline"
	"github.com/caseflow/caseflow/internal/services"
)

// ErrRunInProgress is returned when a run is requested while another run is
// still executing
var ErrRunInProgress = errors.New("pipeline run already in progress")

// StorySyncer pulls stories from an external tracker into the upload folder.
// It returns the number of files written.
type StorySyncer interface {
	Sync() (int, error)
}

// PipelineReport aggregates the results of one full pipeline run
type PipelineReport struct {
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
	SyncedDocs int                        `json:"synced_docs"`
	Ingest     *pipeline.IngestReport     `json:"ingest,omitempty"`
	Generation *services.GenerationReport `json:"generation,omitempty"`
	Impacts    *services.ImpactReport     `json:"impacts,omitempty"`
	PhaseError map[string]string          `json:"phase_errors,omitempty"`
}

// Scheduler drives the pipeline. Cadence is either a plain interval or a
// cron expression; the cron expression wins when both are set.
type Scheduler struct {
	syncer     StorySyncer
	ingestor   *pipeline.Ingestor
	generation *services.GenerationService
	impacts    *services.ImpactService

	interval    time.Duration
	cronSched   cron.Schedule
	nextRunFile string

	running atomic.Bool
}

// New creates a scheduler. cronExpr may be empty; syncer may be nil when no
// tracker is configured.
func New(syncer StorySyncer, ingestor *pipeline.Ingestor, generation *services.GenerationService, impacts *services.ImpactService, interval time.Duration, cronExpr, nextRunFile string) (*Scheduler, error) {
	s := &Scheduler{
		syncer:      syncer,
		ingestor:    ingestor,
		generation:  generation,
		impacts:     impacts,
		interval:    interval,
		nextRunFile: nextRunFile,
	}
	if cronExpr != "" {
		sched, err := cron.ParseStandard(cronExpr)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
		}
		s.cronSched = sched
	}
	return s, nil
}

// Run executes one full pipeline pass. Returns ErrRunInProgress if another
// run is active; there is never more than one run at a time.
func (s *Scheduler) Run() (*PipelineReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	report := &PipelineReport{
		StartedAt:  time.Now(),
		PhaseError: make(map[string]string),
	}
	log.Printf("Pipeline run started")

	if s.syncer != nil {
		docs, err := s.syncer.Sync()
		if err != nil {
			log.Printf("Tracker sync phase failed: %v", err)
			report.PhaseError["sync"] = err.Error()
		}
		report.SyncedDocs = docs
	}

	ingest, err := s.ingestor.Run()
	if err != nil {
		log.Printf("Ingestion phase failed: %v", err)
		report.PhaseError["ingest"] = err.Error()
	}
	report.Ingest = ingest

	gen, err := s.generation.GeneratePending()
	if err != nil {
		log.Printf("Generation phase failed: %v", err)
		report.PhaseError["generation"] = err.Error()
	}
	report.Generation = gen

	if gen != nil && len(gen.GeneratedIDs) > 0 {
		impacts, err := s.impacts.AnalyzeStories(gen.GeneratedIDs)
		if err != nil {
			log.Printf("Impact phase failed: %v", err)
			report.PhaseError["impacts"] = err.Error()
		}
		report.Impacts = impacts
	}

	report.FinishedAt = time.Now()
	if len(report.PhaseError) == 0 {
		report.PhaseError = nil
	}
	s.writeNextRunMarker(report.FinishedAt)
	log.Printf("Pipeline run finished in %s", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	return report, nil
}

// Running reports whether a pipeline run is currently executing
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// NextRun returns when the next scheduled run happens, measured from t
func (s *Scheduler) NextRun(t time.Time) time.Time {
	if s.cronSched != nil {
		return s.cronSched.Next(t)
	}
	return t.Add(s.interval)
}

// Start runs the pipeline on its cadence until stop is closed. The next-run
// marker is written before the first wait so operators can always see when
// the next pass is due.
func (s *Scheduler) Start(stop <-chan struct{}) {
	for {
		next := s.NextRun(time.Now())
		s.writeNextRunMarker(time.Now())
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}

		select {
		case <-stop:
			log.Printf("Scheduler stopped")
			return
		case <-time.After(wait):
		}

		if _, err := s.Run(); err != nil {
			if errors.Is(err, ErrRunInProgress) {
				log.Printf("Skipping scheduled run: previous run still in progress")
				continue
			}
			log.Printf("Scheduled run failed: %v", err)
		}
	}
}

// writeNextRunMarker writes the next scheduled run time as ISO-8601 into the
// marker file. The marker is best effort and always refreshed, even after a
// failed run.
func (s *Scheduler) writeNextRunMarker(from time.Time) {
	if s.nextRunFile == "" {
		return
	}
	next := s.NextRun(from)
	if err := os.MkdirAll(filepath.Dir(s.nextRunFile), 0755); err != nil {
		log.Printf("Failed to create marker directory: %v", err)
		return
	}
	if err := os.WriteFile(s.nextRunFile, []byte(next.Format(time.RFC3339)+"\n"), 0644); err != nil {
		log.Printf("Failed to write next-run marker: %v", err)
	}
}

// ReadNextRunMarker reads a previously written marker file
func ReadNextRunMarker(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, string(trimNewline(data)))
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
