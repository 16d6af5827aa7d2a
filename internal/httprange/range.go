// Package httprange decodes single byte-range Range headers.
package httprange

import (
	"fmt"
	"strconv"
	"strings"
)

type Kind int

const (
	// Full means no Range header was sent; the whole content is served.
	Full Kind = iota
	Partial
	Unsatisfiable
)

func (k Kind) String() string {
	switch k {
	case Full:
		return "full"
	case Partial:
		return "partial"
	case Unsatisfiable:
		return "unsatisfiable"
	default:
		return "unknown"
	}
}

// Spec is an inclusive byte interval.
type Spec struct {
	Start int64
	End   int64
}

func (s Spec) Length() int64 {
	return s.End - s.Start + 1
}

// ContentRange formats the Content-Range value for a partial response.
func (s Spec) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", s.Start, s.End, size)
}

// UnsatisfiedRange formats the Content-Range value sent with a 416 response.
func UnsatisfiedRange(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}

type Result struct {
	Kind Kind
	Spec Spec
}

// Parse resolves header against content of the given size. Malformed headers
// and multi-range requests are reported as Unsatisfiable.
func Parse(header string, size int64) Result {
	value := strings.TrimSpace(header)
	if value == "" {
		return Result{Kind: Full}
	}
	unsatisfiable := Result{Kind: Unsatisfiable}
	if size <= 0 {
		return unsatisfiable
	}

	lower := strings.ToLower(value)
	if !strings.HasPrefix(lower, "bytes=") {
		return unsatisfiable
	}
	spec := strings.TrimSpace(value[len("bytes="):])
	if spec == "" || strings.Contains(spec, ",") {
		return unsatisfiable
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return unsatisfiable
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		suffix, ok := parseOffset(endStr)
		if !ok || suffix == 0 {
			return unsatisfiable
		}
		if suffix > size {
			suffix = size
		}
		return partial(size-suffix, size-1)
	}

	start, ok := parseOffset(startStr)
	if !ok || start >= size {
		return unsatisfiable
	}
	if endStr == "" {
		return partial(start, size-1)
	}

	end, ok := parseOffset(endStr)
	if !ok || end < start {
		return unsatisfiable
	}
	if end > size-1 {
		end = size - 1
	}
	return partial(start, end)
}

func partial(start, end int64) Result {
	return Result{Kind: Partial, Spec: Spec{Start: start, End: end}}
}

func parseOffset(raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return 0, false
		}
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
