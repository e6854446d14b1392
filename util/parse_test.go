package util_test

import (
	"fmt"
	"testing"

	"github.com/downfa11-org/mmq/util"
	"github.com/stretchr/testify/assert"
)

func TestParseInt(t *testing.T) {
	cases := map[string]struct {
		fallback, want int
	}{
		"4096": {0, 4096},
		"0":    {99, 0},
		"-1":   {0, -1},
		"4k":   {42, 42},
		"":     {7, 7},
	}
	for in, c := range cases {
		assert.Equal(t, c.want, util.ParseInt(in, c.fallback), "ParseInt(%q)", in)
	}
}

func TestParseBool(t *testing.T) {
	for _, in := range []string{"true", "1", "t", "TRUE"} {
		assert.True(t, util.ParseBool(in, false), in)
	}
	for _, in := range []string{"false", "0", "f"} {
		assert.False(t, util.ParseBool(in, true), in)
	}
	// Unparseable values keep the fallback.
	assert.True(t, util.ParseBool("on", true))
	assert.False(t, util.ParseBool("", false))
}

func TestParseBytes(t *testing.T) {
	for _, c := range []struct {
		in       string
		fallback uint64
		want     uint64
	}{
		{"1048576", 0, 1 << 20},
		{"64MiB", 0, 64 << 20},
		{" 1 KB ", 0, 1000},
		{"", 7, 7},
		{"lots", 9, 9},
	} {
		t.Run(fmt.Sprintf("%q", c.in), func(t *testing.T) {
			assert.Equal(t, c.want, util.ParseBytes(c.in, c.fallback))
		})
	}
}
