package proxy

import (
	"errors"
	"fmt"
)

var ErrUpstreamTimeout = errors.New("upstream call timed out")

// NoProviderForModelError means no enabled provider lists the requested
// model and no fallback route applied.
type NoProviderForModelError struct {
	Model string
}

func (e *NoProviderForModelError) Error() string {
	return fmt.Sprintf("no enabled provider supports model %q", e.Model)
}

// UpstreamError carries a non-2xx upstream reply. Status and body are kept
// verbatim so the caller can tell a provider rejection from a gateway fault.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// UnknownFormatError means a provider record names a wire format no
// transformer was registered for.
type UnknownFormatError struct {
	Format string
}

func (e *UnknownFormatError) Error() string {
	return fmt.Sprintf("no transformer registered for format %q", e.Format)
}
