// Package pipeline implements the file ingestion pass: uploaded story files
// are extracted, summarized, embedded and indexed, then moved to the success
// or failure folder so a file is never processed twice.
package pipeline

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/caseflow/caseflow/internal/extract"
	"github.com/caseflow/caseflow/internal/llm"
	"github.com/caseflow/caseflow/internal/services"
	"github.com/caseflow/caseflow/internal/vectorstore"
)

// ProjectReport holds per-project ingestion counts
type ProjectReport struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// IngestReport summarizes one ingestion pass. Processed counts every file
// that was picked up, whether it succeeded or failed.
type IngestReport struct {
	Processed int                      `json:"processed"`
	Succeeded int                      `json:"succeeded"`
	Failed    int                      `json:"failed"`
	Projects  map[string]ProjectReport `json:"projects,omitempty"`
	Errors    []string                 `json:"errors,omitempty"`
}

// Ingestor runs the ingestion pass over the upload folder
type Ingestor struct {
	store      vectorstore.Store
	extractor  extract.Extractor
	summarizer *services.Summarizer
	embedder   llm.Embedder

	uploadDir   string
	successDir  string
	failureDir  string
	maxParallel int
}

// NewIngestor creates a new ingestor
func NewIngestor(store vectorstore.Store, extractor extract.Extractor, summarizer *services.Summarizer, embedder llm.Embedder, uploadDir, successDir, failureDir string, maxParallel int) *Ingestor {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Ingestor{
		store:       store,
		extractor:   extractor,
		summarizer:  summarizer,
		embedder:    embedder,
		uploadDir:   uploadDir,
		successDir:  successDir,
		failureDir:  failureDir,
		maxParallel: maxParallel,
	}
}

// Run scans uploaded/<project>/<file> and ingests every file found. Files in
// the upload root that are not inside a project folder are skipped.
func (in *Ingestor) Run() (*IngestReport, error) {
	report := &IngestReport{Projects: make(map[string]ProjectReport)}

	entries, err := os.ReadDir(in.uploadDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return report, nil
		}
		return nil, fmt.Errorf("failed to read upload folder: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			log.Printf("Skipping %s: files must live under a project folder", entry.Name())
			continue
		}
		project := entry.Name()
		files, err := os.ReadDir(filepath.Join(in.uploadDir, project))
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", project, err))
			continue
		}

		// Files are independent; story ids are unique per file name so
		// concurrent inserts never race on the same id
		var mu sync.Mutex
		var group errgroup.Group
		group.SetLimit(in.maxParallel)

		pr := report.Projects[project]
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			name := f.Name()
			mu.Lock()
			report.Processed++
			mu.Unlock()
			group.Go(func() error {
				if err := in.ingestFile(project, name); err != nil {
					log.Printf("Ingestion failed for %s/%s: %v", project, name, err)
					mu.Lock()
					report.Failed++
					pr.Failed++
					report.Errors = append(report.Errors, fmt.Sprintf("%s/%s: %v", project, name, err))
					mu.Unlock()
					in.moveFile(project, name, in.failureDir)
					return nil
				}
				mu.Lock()
				report.Succeeded++
				pr.Succeeded++
				mu.Unlock()
				in.moveFile(project, name, in.successDir)
				return nil
			})
		}
		_ = group.Wait()
		report.Projects[project] = pr
	}

	if report.Processed > 0 {
		log.Printf("Ingestion pass done: %d processed, %d succeeded, %d failed",
			report.Processed, report.Succeeded, report.Failed)
	}
	return report, nil
}

func (in *Ingestor) ingestFile(project, filename string) error {
	storyID := storyIDFromFilename(filename)
	path := filepath.Join(in.uploadDir, project, filename)

	// Duplicate ids are rejected before any model call is spent on them
	exists, err := in.store.Exists(storyID)
	if err != nil {
		return fmt.Errorf("duplicate check failed: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", vectorstore.ErrDuplicateStory, storyID)
	}

	text, err := in.extractor.ExtractText(path)
	if err != nil {
		return err
	}

	story, err := in.buildStory(project, storyID, filename, path, text, "folder")
	if err != nil {
		return err
	}
	return in.store.Insert(story)
}

// IngestManual indexes a story submitted directly through the API rather than
// through the upload folder. The story becomes pending and is picked up by the
// next generation pass.
func (in *Ingestor) IngestManual(project, storyID, content string) (*vectorstore.Story, error) {
	exists, err := in.store.Exists(storyID)
	if err != nil {
		return nil, fmt.Errorf("duplicate check failed: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", vectorstore.ErrDuplicateStory, storyID)
	}

	story, err := in.buildStory(project, storyID, storyID+".txt", "", content, "manual")
	if err != nil {
		return nil, err
	}
	if err := in.store.Insert(story); err != nil {
		return nil, err
	}
	return &story, nil
}

// buildStory summarizes and embeds the story text. The embedding covers the
// full text; the summary only becomes the stored description.
func (in *Ingestor) buildStory(project, storyID, filename, path, text, origin string) (vectorstore.Story, error) {
	description := in.summarizer.Summarize(text)
	if description == "" {
		description = text
	}

	// Embedding failure is fatal for the story; without a vector it cannot
	// participate in similarity search
	vector, err := in.embedder.Embed(text)
	if err != nil {
		return vectorstore.Story{}, fmt.Errorf("embedding failed: %w", err)
	}

	return vectorstore.Story{
		ProjectID:   project,
		StoryID:     storyID,
		Vector:      vector,
		Description: description,
		Filename:    filename,
		SourcePath:  path,
		FullText:    text,
		IngestedAt:  time.Now(),
		Origin:      origin,
	}, nil
}

// moveFile relocates a processed file into dest/<project>/, keeping the
// project structure. Move errors are logged, not returned: the story state
// is already settled by the time we move the file.
func (in *Ingestor) moveFile(project, filename, dest string) {
	src := filepath.Join(in.uploadDir, project, filename)
	destDir := filepath.Join(dest, project)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		log.Printf("Failed to create %s: %v", destDir, err)
		return
	}
	if err := os.Rename(src, filepath.Join(destDir, filename)); err != nil {
		log.Printf("Failed to move %s: %v", src, err)
	}
}

// storyIDFromFilename derives the story id from the file name stem
func storyIDFromFilename(filename string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename))
}
