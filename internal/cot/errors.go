package cot

import (
	"errors"
	"fmt"
)

// FormatErrorCode is the public code reported for ErrCotFormatIncorrect.
const FormatErrorCode = 40500

var (
	// ErrCotFormatIncorrect means the model output did not follow the
	// Thought/Action/Action Input/Final Answer grammar.
	ErrCotFormatIncorrect = errors.New("cot format incorrect")
	// ErrEmptyStep means a read finished without a step outside final-answer mode.
	ErrEmptyStep = fmt.Errorf("%w: empty step", ErrCotFormatIncorrect)
)

func formatError(reason string) error {
	return fmt.Errorf("%w: %s", ErrCotFormatIncorrect, reason)
}
