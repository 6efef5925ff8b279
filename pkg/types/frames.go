package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// FrameRange is an inclusive frame interval
type FrameRange struct {
	Start int `json:"frame_start"`
	End   int `json:"frame_end"`
}

// String renders the range the way stdout logs and UI labels show it,
// e.g. "1-10" or "7" for a single frame.
func (r FrameRange) String() string {
	if r.Start == r.End {
		return strconv.Itoa(r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Contains reports whether frame lies inside the range.
func (r FrameRange) Contains(frame int) bool {
	return frame >= r.Start && frame <= r.End
}

// SplitFrames partitions [start, end] into consecutive ranges of length
// chunkSize; the final range may be shorter. The ranges cover the job's
// frame span with no gaps and no overlap.
func SplitFrames(start, end, chunkSize int) ([]FrameRange, error) {
	if end < start {
		return nil, fmt.Errorf("invalid frame range: %d-%d", start, end)
	}
	if chunkSize < 1 {
		return nil, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}

	var ranges []FrameRange
	for fs := start; fs <= end; fs += chunkSize {
		fe := fs + chunkSize - 1
		if fe > end {
			fe = end
		}
		ranges = append(ranges, FrameRange{Start: fs, End: fe})
	}
	return ranges, nil
}

// JoinEndpoint formats an ip:port pair.
func JoinEndpoint(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// ParseEndpoint splits an ip:port pair produced by JoinEndpoint.
func ParseEndpoint(endpoint string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(endpoint))
	if err != nil {
		return "", 0, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid endpoint port %q: %w", portStr, err)
	}
	return host, port, nil
}
