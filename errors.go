package asknote

import (
	"errors"

	"github.com/asknote/asknote/chunker"
	"github.com/asknote/asknote/embedder"
	"github.com/asknote/asknote/index"
	"github.com/asknote/asknote/reader"
)

// Sentinel errors. The document-processing sentinels alias the ones the
// sub-packages return so errors.Is works no matter which layer surfaced
// the failure.
var (
	// ErrEmptyContent is returned when ingesting empty or whitespace-only
	// content. Never retried.
	ErrEmptyContent = chunker.ErrEmptyContent

	// ErrEmptyEmbedInput is returned when embedding empty text.
	ErrEmptyEmbedInput = embedder.ErrEmptyContent

	// ErrDocumentNotFound is returned when a document ID does not exist.
	ErrDocumentNotFound = index.ErrDocumentNotFound

	// ErrInternalConsistency is returned when a stored structure violates
	// an invariant, e.g. an indexed child chunk whose parent is missing.
	// Fatal to the current request; indicates an ingestion bug.
	ErrInternalConsistency = index.ErrInconsistent

	// ErrUnsupportedFormat is returned for unrecognized file formats.
	ErrUnsupportedFormat = reader.ErrUnsupportedFormat

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("asknote: invalid configuration")

	// ErrClosed is returned when operating on a closed engine.
	ErrClosed = errors.New("asknote: engine is closed")
)
