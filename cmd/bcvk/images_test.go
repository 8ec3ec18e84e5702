package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortIDTruncatesLongDigests(t *testing.T) {
	assert.Equal(t, "sha256:abcd", shortID("sha256:abcd"))
	assert.Equal(t, "abcdefabcdef", shortID("abcdefabcdef0123456789"))
}

func TestShortIDLeavesShortIDsAlone(t *testing.T) {
	assert.Equal(t, "abc123", shortID("abc123"))
}
