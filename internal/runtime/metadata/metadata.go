package metadata

import (
	"strings"
	"unicode/utf8"
)

// Metadata holds the text headers carried alongside a record.
type Metadata map[string]string

// Map applies fn to every value and returns the result as a new map.
func (m Metadata) Map(fn func(string) string) Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = fn(v)
	}
	return out
}

// FromBytes decodes raw record headers into text. Invalid UTF-8 sequences are
// replaced rather than dropped.
func FromBytes(headers map[string][]byte) Metadata {
	md := make(Metadata, len(headers))
	for k, v := range headers {
		if utf8.Valid(v) {
			md[k] = string(v)
			continue
		}
		md[k] = strings.ToValidUTF8(string(v), "�")
	}
	return md
}

// Bytes encodes text headers as raw record headers.
func (m Metadata) Bytes() map[string][]byte {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out
}
