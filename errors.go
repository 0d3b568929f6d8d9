package opencontracts

import (
	"errors"

	"github.com/abelrugaju/opencontracts/agent"
	"github.com/abelrugaju/opencontracts/retrieval"
)

var (
	// ErrJobNotFound is returned when an extraction job ID does not exist.
	ErrJobNotFound = errors.New("opencontracts: extraction job not found")

	// ErrCellNotFound is returned when a datacell ID does not exist.
	ErrCellNotFound = errors.New("opencontracts: datacell not found")

	// ErrCellTerminal is returned by ReprocessCell when a datacell is
	// already completed or failed. Terminal states are immutable.
	ErrCellTerminal = errors.New("opencontracts: datacell already terminal")

	// ErrJobEmpty is returned when a job has no documents or its fieldset
	// has no columns, so decomposition would produce zero work units.
	ErrJobEmpty = errors.New("opencontracts: job has no work units")

	// ErrEmbeddingFailed is returned when embedding generation fails for
	// every example of a query.
	ErrEmbeddingFailed = retrieval.ErrEmbeddingFailed

	// ErrRetrievalFailed is returned when the nearest-neighbor lookup fails.
	ErrRetrievalFailed = errors.New("opencontracts: retrieval failed")

	// ErrNoCandidates is returned when retrieval yields an empty candidate set.
	ErrNoCandidates = errors.New("opencontracts: no candidate annotations found")

	// ErrRerankFailed is returned when the cross-encoder scoring model fails.
	ErrRerankFailed = errors.New("opencontracts: rerank failed")

	// ErrAgentTimeout is returned when the reasoning agent exceeds its
	// bounded step budget or wall-clock deadline.
	ErrAgentTimeout = agent.ErrTimeout

	// ErrUnsupportedOutputType is returned when a column declares an output
	// type outside the supported primitive/structured set.
	ErrUnsupportedOutputType = errors.New("opencontracts: unsupported output type")

	// ErrJobNotFinished is returned when exporting a job that still has
	// non-terminal datacells.
	ErrJobNotFinished = errors.New("opencontracts: job not finished")
)
