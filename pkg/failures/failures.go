// Package failures defines the error kinds shared by the dedupe and scoring
// stages and how they classify for retries and API responses.
package failures

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
)

var (
	// ErrDataIncomplete marks a missing field. Scoring treats it as a documented default.
	ErrDataIncomplete = errors.New("data incomplete")
	// ErrSimilarityServiceUnavailable marks a failed or timed out semantic call.
	ErrSimilarityServiceUnavailable = errors.New("similarity service unavailable")
	// ErrMergeConflict marks a merge that could not take a record lock in time.
	ErrMergeConflict = errors.New("merge conflict")
	// ErrMergeCycle marks a merge that would tombstone a record other records were merged into.
	ErrMergeCycle = errors.New("merge cycle")
	// ErrDuplicateReviewResolution marks a resolve on an already resolved entry.
	ErrDuplicateReviewResolution = errors.New("review entry already resolved")
	// ErrDuplicateReviewEntry marks an enqueue for a pair that already has an unresolved entry.
	ErrDuplicateReviewEntry = errors.New("review entry already pending")
	// ErrStageRetryExhausted marks a record whose stage kept failing past the retry budget.
	ErrStageRetryExhausted = errors.New("stage retry exhausted")
	ErrTransient           = errors.New("transient failure")
	ErrConfiguration       = errors.New("configuration error")
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	// ErrTombstoned marks an operation on a record that was merged away.
	ErrTombstoned = errors.New("record tombstoned")
)

// Wrap builds an error that carries stage context and stays classifiable
// through errors.Is against marker.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether a stage should retry after err.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrMergeConflict),
		errors.Is(err, ErrTransient),
		errors.Is(err, ErrSimilarityServiceUnavailable):
		return true
	case httperror.IsHTTPError(err):
		code := httperror.GetStatusCode(err)
		return code == http.StatusServiceUnavailable || code == http.StatusInternalServerError
	default:
		return false
	}
}

// BatchFatal reports whether err must stop a whole batch.
func BatchFatal(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// ToHTTP maps an error kind to the API error returned for it. Errors that
// already are HTTP errors pass through.
func ToHTTP(err error) error {
	if err == nil || httperror.IsHTTPError(err) {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return httperror.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration):
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDuplicateReviewResolution),
		errors.Is(err, ErrDuplicateReviewEntry),
		errors.Is(err, ErrMergeConflict),
		errors.Is(err, ErrMergeCycle),
		errors.Is(err, ErrTombstoned):
		return httperror.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrSimilarityServiceUnavailable), errors.Is(err, ErrTransient):
		return httperror.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return httperror.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{stage, operation, message} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "failure"
	}
	return strings.Join(parts, ": ")
}
