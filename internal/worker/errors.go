package worker

import (
	"errors"

	"github.com/raphaelgruber/evidraft/internal/llm"
	"github.com/raphaelgruber/evidraft/internal/models"
	"github.com/raphaelgruber/evidraft/internal/queue"
	"github.com/raphaelgruber/evidraft/internal/records"
)

// ErrCancelled is returned by a Processor that stopped at a section boundary
// because cancellation was requested. The partial result accompanies it.
var ErrCancelled = errors.New("job cancelled")

// Classify maps a processing error onto the job error taxonomy. Errors not
// known to be terminal are treated as transient.
func Classify(err error) models.ErrorClass {
	switch {
	case errors.Is(err, records.ErrNotFound),
		errors.Is(err, models.ErrInvalidTemplate),
		errors.Is(err, models.ErrInvalidRequest),
		errors.Is(err, llm.ErrFatalAPI):
		return models.ErrorClassTerminalInput
	case errors.Is(err, queue.ErrClaimLost):
		return models.ErrorClassTransientStorage
	}
	return models.ErrorClassTransientExternal
}
