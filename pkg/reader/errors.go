package reader

import "errors"

var (
	// ErrAnswerCount is returned when a training example does not carry
	// exactly one answer
	ErrAnswerCount = errors.New("training examples need exactly one answer")

	// ErrLengthMismatch is returned when corpus fields are not aligned
	ErrLengthMismatch = errors.New("candidate and answer counts differ")

	// ErrNotTrainable is returned by Train on a reader built for inference
	ErrNotTrainable = errors.New("reader has to be created with trainable=true for training")

	// ErrNotSetUp is returned when training batches are requested before
	// SetupFromData
	ErrNotSetUp = errors.New("input module not set up from data")

	// ErrNoCandidates is returned when an answer must be decoded for a
	// question without candidates
	ErrNoCandidates = errors.New("question has no candidates")
)
