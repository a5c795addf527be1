package llm

import "errors"

var (
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("llm: empty response")

	// ErrContentFiltered is returned when the vendor's moderation withheld
	// the reply. Murder plots trip some filters; callers usually skip the
	// turn rather than retry.
	ErrContentFiltered = errors.New("llm: response withheld by content filter")
)

// FinishContentFilter is the OpenAI-style finish reason for moderated output.
const FinishContentFilter = "content_filter"
