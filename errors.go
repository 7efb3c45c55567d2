package corpusrag

import "errors"

// Error kinds recognized by the service. Only FatalConfig is meant
// to escape a request; every other kind is recovered by the caller and
// surfaced, if at all, as a user-visible message or an orchestrator
// "error" event.
var (
	// ErrDocumentNotFound is returned when a manifest path does not exist.
	ErrDocumentNotFound = errors.New("corpusrag: document not found")

	// ErrUnsupportedFormat names an unrecognized file extension. The
	// extractor registry does not return it; it reports a missing
	// extractor with its own error.
	ErrUnsupportedFormat = errors.New("corpusrag: unsupported document format")

	// ErrExtractionFailed marks an ExtractionFailure: an extractor could
	// not produce text for one file. Never propagates past the indexer
	// worker that hit it.
	ErrExtractionFailed = errors.New("corpusrag: extraction failed")

	// ErrBackendUnavailable marks a BackendUnavailable: a lexical or
	// vector backend call timed out or was unreachable. The affected
	// branch of retrieval contributes zero hits.
	ErrBackendUnavailable = errors.New("corpusrag: backend unavailable")

	// ErrEmbeddingFailed is returned when embedding generation fails.
	ErrEmbeddingFailed = errors.New("corpusrag: embedding generation failed")

	// ErrLLMUnavailable is returned when the LLM provider is unreachable.
	ErrLLMUnavailable = errors.New("corpusrag: LLM provider unavailable")

	// ErrLLMRequestFailed is returned when an LLM request fails.
	ErrLLMRequestFailed = errors.New("corpusrag: LLM request failed")

	// ErrParseFailure marks a ParseFailure: an LLM structured-output
	// response could not be parsed. The phase falls back to a hard-coded
	// default instead of propagating this.
	ErrParseFailure = errors.New("corpusrag: structured response parse failure")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("corpusrag: store is closed")

	// ErrGateNoRAG marks a GateNoRag decision: the query gate decided no
	// retrieval is required.
	ErrGateNoRAG = errors.New("corpusrag: query gate requires no retrieval")

	// ErrEmptyEvidence marks EmptyEvidence: retrieval and filtering left
	// no hits; the answer stage is skipped.
	ErrEmptyEvidence = errors.New("corpusrag: no evidence after retrieval")

	// ErrClientCancel marks ClientCancel: the request task was cancelled
	// by the caller disconnecting.
	ErrClientCancel = errors.New("corpusrag: client cancelled request")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("corpusrag: invalid configuration")

	// ErrFatalConfig marks FatalConfig: missing or invalid tenant
	// configuration at boot. The process refuses to start.
	ErrFatalConfig = errors.New("corpusrag: fatal configuration error")

	// ErrUnknownTenant is returned when a request names a tenant that
	// isn't in the tenant table.
	ErrUnknownTenant = errors.New("corpusrag: unknown tenant")

	// ErrPathOutsideRoot names a path that escapes the tenant's document
	// root. The /open handler does not return it; it answers such a
	// request with a 403 and its own message.
	ErrPathOutsideRoot = errors.New("corpusrag: path is outside the tenant document root")
)
