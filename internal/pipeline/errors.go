package pipeline

import "errors"

// Retryabler is implemented by every stage error in the pipeline's taxonomy:
// transport.ValidationError (no), separator.ProcessingError (yes),
// transcriber.EmptyTranscriptError (no), translator.UnavailableError (yes),
// synthesizer.SynthesisError (yes), mixer.MixingError (yes). The orchestrator
// classifies a failure exactly once at its boundary; stages never decide
// episode state themselves.
type Retryabler interface {
	Retryable() bool
}

// Retryable reports whether a failed episode should stay eligible for a
// future scheduler pass. Unknown errors (I/O, cancellation) default to
// retryable: they say nothing about the input being bad.
func Retryable(err error) bool {
	var r Retryabler
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
