package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Identifier scheme, version 1:
//
//	product_<key>.blob
//
// where <key> is the decimal form of a key >= 1 with no sign and no leading
// zeros. The mapping is a bijection between valid keys and valid names:
//
//	ParseIdentifier(Identifier(k)) == k
//	Identifier(ParseIdentifier(s)) == s   (whenever ParseIdentifier succeeds)
const (
	IdentifierVersion = 1

	identifierPrefix = "product_"
	identifierSuffix = ".blob"

	// IdentifierGlob matches every candidate product name.
	IdentifierGlob = identifierPrefix + "*" + identifierSuffix
)

var (
	// ErrNotProduct marks names that are not product identifiers at all.
	// Such names are ignored during recovery.
	ErrNotProduct = errors.New("not a product identifier")

	// ErrMalformedIdentifier marks names shaped like a product identifier
	// whose key does not parse. These are reported during recovery.
	ErrMalformedIdentifier = errors.New("malformed product identifier")
)

// Identifier returns the object name for key. It panics on keys < 1, which
// the registry never allocates.
func Identifier(key int64) string {
	if key < 1 {
		panic(fmt.Sprintf("store: invalid product key %d", key))
	}
	return identifierPrefix + strconv.FormatInt(key, 10) + identifierSuffix
}

// ParseIdentifier returns the key encoded in name.
func ParseIdentifier(name string) (int64, error) {
	if !strings.HasPrefix(name, identifierPrefix) || !strings.HasSuffix(name, identifierSuffix) ||
		len(name) < len(identifierPrefix)+len(identifierSuffix) {
		return 0, ErrNotProduct
	}
	digits := name[len(identifierPrefix) : len(name)-len(identifierSuffix)]
	if digits == "" || digits[0] < '1' || digits[0] > '9' {
		return 0, fmt.Errorf("%w: %q", ErrMalformedIdentifier, name)
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, fmt.Errorf("%w: %q", ErrMalformedIdentifier, name)
		}
	}
	key, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrMalformedIdentifier, name, err)
	}
	return key, nil
}
