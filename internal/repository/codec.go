package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	flagKeyPrefix    = "flags/"
	segmentKeyPrefix = "segments/"
)

var errCorruptEntry = errors.New("corrupt store entry")

func flagKey(id string) string    { return flagKeyPrefix + id }
func segmentKey(id string) string { return segmentKeyPrefix + id }

// encodeEntry renders a definition in the "version|json" storage format.
// The version prefix lets a reader compare versions without decoding the payload.
func encodeEntry(version int64, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	buf := make([]byte, 0, len(payload)+21)
	buf = strconv.AppendInt(buf, version, 10)
	buf = append(buf, '|')
	return append(buf, payload...), nil
}

// decodeEntry parses a "version|json" value into dst and returns the version.
func decodeEntry(raw []byte, dst any) (int64, error) {
	versionPart, payload, ok := strings.Cut(string(raw), "|")
	if !ok {
		return 0, errCorruptEntry
	}
	version, err := strconv.ParseInt(versionPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad version %q", errCorruptEntry, versionPart)
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return 0, fmt.Errorf("%w: %v", errCorruptEntry, err)
	}
	return version, nil
}
