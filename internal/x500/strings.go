package x500

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// StringKind selects the DER string encoding of an attribute value.
// The mapping in EncodeString is exhaustive over the declared kinds; adding
// a kind without extending the switch yields an explicit error, never a
// silent fallback.
type StringKind string

const (
	KindUTF8      StringKind = "utf8"
	KindPrintable StringKind = "printable"
	KindIA5       StringKind = "ia5"
	KindTeletex   StringKind = "teletex"
	KindBMP       StringKind = "bmp"
)

// ParseStringKind parses a kind name; the empty string means UTF8.
func ParseStringKind(s string) (StringKind, error) {
	switch StringKind(strings.ToLower(s)) {
	case "", KindUTF8:
		return KindUTF8, nil
	case KindPrintable:
		return KindPrintable, nil
	case KindIA5:
		return KindIA5, nil
	case KindTeletex:
		return KindTeletex, nil
	case KindBMP:
		return KindBMP, nil
	default:
		return "", fmt.Errorf("unknown string kind %q", s)
	}
}

// DER tags for the string kinds not named in cryptobyte/asn1.
const (
	tagT61String cbasn1.Tag = 20
	tagBMPString cbasn1.Tag = 30
)

// EncodeString encodes text as a DER value (full tag-length-value) of the
// given kind.
func EncodeString(kind StringKind, text string) ([]byte, error) {
	var tag cbasn1.Tag
	var content []byte

	switch kind {
	case KindUTF8, "":
		tag = cbasn1.UTF8String
		content = []byte(text)
	case KindPrintable:
		if !isPrintable(text) {
			return nil, fmt.Errorf("value %q contains characters outside PrintableString", text)
		}
		tag = cbasn1.PrintableString
		content = []byte(text)
	case KindIA5:
		for i := 0; i < len(text); i++ {
			if text[i] > 127 {
				return nil, fmt.Errorf("value %q contains non-ASCII characters, not valid IA5String", text)
			}
		}
		tag = cbasn1.IA5String
		content = []byte(text)
	case KindTeletex:
		tag = tagT61String
		content = []byte(text)
	case KindBMP:
		tag = tagBMPString
		units := utf16.Encode([]rune(text))
		content = make([]byte, 0, 2*len(units))
		for _, u := range units {
			content = append(content, byte(u>>8), byte(u))
		}
	default:
		return nil, fmt.Errorf("unknown string kind %q", kind)
	}

	var b cryptobyte.Builder
	b.AddASN1(tag, func(b *cryptobyte.Builder) {
		b.AddBytes(content)
	})
	return b.Bytes()
}

// isPrintable reports whether the string is a valid ASN.1 PrintableString.
func isPrintable(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case strings.ContainsRune(" '()+,-./:=?", r):
		default:
			return false
		}
	}
	return true
}
