// Package domain defines the DCA order model and the pure rules around it.
package domain

import (
	"fmt"
	"strings"
)

// Pair is a traded asset pair. Prices are quoted as Quote per one Base.
type Pair struct {
	// Base asset symbol, e.g. XFI.
	Base string
	// Quote asset symbol, e.g. USDT.
	Quote string
}

// ParsePair parses BASE_QUOTE notation.
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("invalid pair %q, expected BASE_QUOTE", s)
	}

	return Pair{Base: strings.ToUpper(parts[0]), Quote: strings.ToUpper(parts[1])}, nil
}

// String returns the string representation.
func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.Base, p.Quote)
}

// Symbol returns the concatenated exchange symbol.
func (p Pair) Symbol() string {
	return p.Base + p.Quote
}
