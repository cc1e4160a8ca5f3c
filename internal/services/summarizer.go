package services

import (
	"fmt"
	"log"
	"strings"

	"github.com/caseflow/caseflow/internal/llm"
)

const chunkPlaceholder = "[section could not be summarized]"

// Summarizer condenses long story documents before embedding. Documents are
// split into fixed-size chunks and only the leading chunks are summarized;
// the tail of very long documents is ignored on purpose.
type Summarizer struct {
	chat      llm.ChatModel
	chunkSize int
	maxChunks int
}

// NewSummarizer creates a summarizer with the given chunking limits
func NewSummarizer(chat llm.ChatModel, chunkSize, maxChunks int) *Summarizer {
	if chunkSize <= 0 {
		chunkSize = 4000
	}
	if maxChunks <= 0 {
		maxChunks = 3
	}
	return &Summarizer{chat: chat, chunkSize: chunkSize, maxChunks: maxChunks}
}

// Summarize returns a condensed description of the text. Short texts are
// summarized in one call. A chunk whose summarization fails contributes a
// placeholder instead of failing the whole document.
func (s *Summarizer) Summarize(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	chunks := splitChunks(text, s.chunkSize)
	if len(chunks) > s.maxChunks {
		chunks = chunks[:s.maxChunks]
	}

	if len(chunks) == 1 {
		out, err := s.summarizeChunk(chunks[0])
		if err != nil {
			log.Printf("Summarization failed, falling back to raw text: %v", err)
			return truncate(text, s.chunkSize)
		}
		return out
	}

	parts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		out, err := s.summarizeChunk(chunk)
		if err != nil {
			log.Printf("Summarization of chunk %d/%d failed: %v", i+1, len(chunks), err)
			out = chunkPlaceholder
		}
		parts = append(parts, out)
	}
	return strings.Join(parts, "\n\n")
}

func (s *Summarizer) summarizeChunk(chunk string) (string, error) {
	prompt := fmt.Sprintf(`Summarize the following requirement text in 3-5 sentences.
Keep every concrete behavior, actor and constraint. Do not add information.

Text:
%s`, chunk)
	out, err := s.chat.Complete(prompt)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("empty summary")
	}
	return out, nil
}

// splitChunks splits text into chunks of at most size bytes, preferring to
// break at line boundaries
func splitChunks(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}
	var chunks []string
	for len(text) > size {
		cut := size
		if idx := strings.LastIndexByte(text[:size], '\n'); idx > size/2 {
			cut = idx + 1
		}
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = text[cut:]
	}
	if rest := strings.TrimSpace(text); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit]
}
