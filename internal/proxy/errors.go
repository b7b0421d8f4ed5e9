package proxy

import "fmt"

// UpstreamError means no response was obtained from the upstream. Nothing
// has been written to the client.
type UpstreamError struct {
	URL string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s unreachable: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// MidStreamError means the upstream failed after the response status and
// headers were already sent to the client.
type MidStreamError struct {
	Status  int
	Written int64
	Err     error
}

func (e *MidStreamError) Error() string {
	return fmt.Sprintf("response stream broken after %d bytes (status %d): %v", e.Written, e.Status, e.Err)
}

func (e *MidStreamError) Unwrap() error { return e.Err }
