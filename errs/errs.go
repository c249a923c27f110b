// Package errs holds the error conditions shared by the tokenizer, model,
// trainer, generator and stores. Callers match them with errors.Is.
package errs

import "errors"

var (
	// ErrNotInitialized: an operation ran before its required setup
	// (encode before fit, generate before a model exists).
	ErrNotInitialized = errors.New("not initialized")

	// ErrInsufficientData: no usable training examples remain.
	ErrInsufficientData = errors.New("insufficient training data")

	// ErrTrainingDiverged: the loss became NaN or Inf.
	ErrTrainingDiverged = errors.New("training diverged")

	// ErrStorage wraps every persistence failure.
	ErrStorage = errors.New("storage error")

	// ErrInvalidInput: malformed text, language or configuration arguments.
	ErrInvalidInput = errors.New("invalid input")
)
