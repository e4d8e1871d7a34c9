package metadata

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := message.Metadata{"a": "1", "b": "2"}
	clone := Clone(original)
	clone["a"] = "changed"

	assert.Equal(t, "1", original["a"])
	assert.Len(t, clone, 2)
}

func TestCloneNil(t *testing.T) {
	cloned := Clone(nil)
	require.NotNil(t, cloned)
	assert.Empty(t, cloned)
}

func TestWith(t *testing.T) {
	base := message.Metadata{"foo": "bar"}
	enriched := With(base, "baz", "qux")

	assert.Empty(t, base["baz"])
	assert.Equal(t, "qux", enriched["baz"])
	assert.Equal(t, "bar", enriched["foo"])
}

func TestInt(t *testing.T) {
	md := message.Metadata{}

	v, err := Int(md, "retriesCount")
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	SetInt(md, "retriesCount", 3)
	v, err = Int(md, "retriesCount")
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	md.Set("retriesCount", "three")
	_, err = Int(md, "retriesCount")
	assert.Error(t, err)
}

func TestTime(t *testing.T) {
	md := message.Metadata{}

	_, ok, err := Time(md, "at")
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2024, 1, 2, 3, 4, 5, 600, time.FixedZone("X", 3600))
	SetTime(md, "at", at)

	got, ok, err := Time(md, "at")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(at))
	assert.Equal(t, time.UTC, got.Location())

	SetTime(md, "at", time.Time{})
	_, ok, _ = Time(md, "at")
	assert.False(t, ok)

	md.Set("at", "yesterday")
	_, _, err = Time(md, "at")
	assert.Error(t, err)
}
