// Package embeddings turns trace text into vectors for precedent search.
//
// Three providers are available: fastembed (local ONNX models, needs cgo),
// openai (any OpenAI-compatible embeddings endpoint through langchaingo,
// including TEI) and hash (deterministic feature hashing, no model).
package embeddings
