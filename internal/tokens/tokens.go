// Package tokens estimates token usage when an upstream omits its usage
// counters. Estimates are approximate: cl100k_base is close enough across
// the supported providers for billing dashboards, and a crude byte heuristic
// covers environments where the encoding cannot be loaded.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once sync.Once
	enc  *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	once.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// Estimate counts tokens in text, falling back to len/4 when the encoding
// is unavailable.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}
