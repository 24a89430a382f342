// Package apperr defines the error taxonomy shared across Atlas components.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound marks a lookup that matched nothing.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks an attempt to overwrite in-progress work,
	// e.g. re-gathering over a partially enriched directive.
	ErrConflict = errors.New("conflict")
	// ErrPipelineIncomplete marks a pipeline waiting on enrichment.
	// It is a resumable state, not a failure.
	ErrPipelineIncomplete = errors.New("awaiting enrichment")
	// ErrDeliveryPrecondition marks a delivery attempted with
	// expected enrichment output missing.
	ErrDeliveryPrecondition = errors.New("delivery precondition failed")
)

// AmbiguousError is returned when a reference matches more than one
// candidate. The caller decides; the resolver never guesses.
type AmbiguousError struct {
	Query      string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous reference %q: candidates %s", e.Query, strings.Join(e.Candidates, ", "))
}

// IsAmbiguous reports whether err is an AmbiguousError and returns it.
func IsAmbiguous(err error) (*AmbiguousError, bool) {
	var ae *AmbiguousError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
