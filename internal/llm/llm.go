// Package llm provides thin HTTP clients for the generative model and the
// embedding service. Both speak the OpenAI-compatible wire format so local
// gateways (Ollama, LiteLLM) work unchanged.
package llm

// ChatModel produces a completion for a prompt. Summarization, test-case
// generation and impact classification are all built on this single call.
type ChatModel interface {
	Complete(prompt string) (string, error)
}

// Embedder computes a fixed-length embedding vector for a text
type Embedder interface {
	Embed(text string) ([]float32, error)
	Dimension() int
}
