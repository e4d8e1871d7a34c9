// Package metadata reads and writes typed envelope properties stored in
// Watermill message metadata.
package metadata

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Clone returns a shallow copy of md. The result is never nil.
func Clone(md message.Metadata) message.Metadata {
	cloned := make(message.Metadata, len(md))
	for k, v := range md {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy of md containing key=value.
func With(md message.Metadata, key, value string) message.Metadata {
	cloned := Clone(md)
	cloned[key] = value
	return cloned
}

// Int reads an integer property. An absent or empty property yields 0.
func Int(md message.Metadata, key string) (int, error) {
	raw := md.Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("metadata %q: %w", key, err)
	}
	return v, nil
}

// SetInt stores an integer property.
func SetInt(md message.Metadata, key string, v int) {
	md.Set(key, strconv.Itoa(v))
}

// Time reads an RFC 3339 timestamp property. ok is false when it is absent.
func Time(md message.Metadata, key string) (t time.Time, ok bool, err error) {
	raw := md.Get(key)
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err = time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("metadata %q: %w", key, err)
	}
	return t, true, nil
}

// SetTime stores t in UTC. A zero t removes the property.
func SetTime(md message.Metadata, key string, t time.Time) {
	if t.IsZero() {
		delete(md, key)
		return
	}
	md.Set(key, t.UTC().Format(time.RFC3339Nano))
}
