package models

import (
	"strings"
	"time"
)

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// Normalize applies field normalization to a SampleInput
// - lower-cases an id reference, upper-cases a code reference
// - trims the timestamp
// - lower-cases metadata keys
func (in *SampleInput) Normalize() {
	ref := strings.TrimSpace(in.MachineID)
	if looksLikeUUID(ref) {
		ref = strings.ToLower(ref)
	} else {
		ref = NormalizeCode(ref)
	}
	in.MachineID = ref

	in.Timestamp = strings.TrimSpace(in.Timestamp)

	if in.Metadata != nil {
		normalized := make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			normalized[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
		in.Metadata = normalized
	}
}

// ParseTimestamp attempts to parse a timestamp string into time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, ErrZeroTimestamp
	}

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			if t.IsZero() {
				return time.Time{}, ErrZeroTimestamp
			}
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}

// looksLikeUUID is a cheap shape check so ids are not upper-cased as codes
func looksLikeUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
				return false
			}
		}
	}
	return true
}
