package models

import (
	"fmt"
	"time"
)

// MalformedEventError rejects an event missing required fields. Fatal for the
// event, never retried.
type MalformedEventError struct {
	EventID string
	Field   string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event %s: missing required field %q", e.EventID, e.Field)
}

// SubStageTimeoutError marks a scoring sub-stage that exceeded its deadline.
// Non-fatal: the pipeline degrades that sub-score to zero and annotates the
// assessment as partial.
type SubStageTimeoutError struct {
	Stage    string
	Deadline time.Duration
}

func (e *SubStageTimeoutError) Error() string {
	return fmt.Sprintf("sub-stage %s exceeded deadline of %s", e.Stage, e.Deadline)
}

// RetrainFailure reports a failed model retrain. The previous model state
// remains in effect.
type RetrainFailure struct {
	SampleSize int
	Cause      error
}

func (e *RetrainFailure) Error() string {
	return fmt.Sprintf("model retrain failed with %d samples: %v", e.SampleSize, e.Cause)
}

func (e *RetrainFailure) Unwrap() error { return e.Cause }

// ConfigurationMissingError is fatal at startup only. A region with no
// matching compliance rule at scoring time is "no applicable regulation",
// not an error.
type ConfigurationMissingError struct {
	Key string
}

func (e *ConfigurationMissingError) Error() string {
	return fmt.Sprintf("required configuration missing: %s", e.Key)
}
