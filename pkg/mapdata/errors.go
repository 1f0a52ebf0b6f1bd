package mapdata

import "fmt"

// FetchKind classifies why a boundary could not be retrieved.
type FetchKind int

const (
	// KindNotOK means the host answered with a non-2xx status.
	KindNotOK FetchKind = iota + 1
	// KindNetwork covers transport failures: DNS, refused connections,
	// timeouts and cancelled contexts.
	KindNetwork
	// KindDecode means the body was not the GeoJSON/TopoJSON we asked for.
	KindDecode
)

func (k FetchKind) String() string {
	switch k {
	case KindNotOK:
		return "not_ok"
	case KindNetwork:
		return "network"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// FetchError reports a failed boundary fetch.
type FetchError struct {
	Kind   FetchKind
	Status int // HTTP status, set for KindNotOK
	Region Region
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindNotOK:
		return fmt.Sprintf("failed to fetch map data for %s: status %d", e.Region.Key(), e.Status)
	case KindDecode:
		return fmt.Sprintf("decode map data for %s: %v", e.Region.Key(), e.Err)
	default:
		return fmt.Sprintf("fetch map data for %s: %v", e.Region.Key(), e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }
