package memory

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// CheckLength returns ErrContentTooLarge when text exceeds maxChars runes.
// maxChars <= 0 disables the check. Embedder backends share it.
func CheckLength(text string, maxChars int) error {
	if maxChars <= 0 {
		return nil
	}
	if n := utf8.RuneCountInString(text); n > maxChars {
		return &LengthError{Length: n, Max: maxChars}
	}
	return nil
}

// LengthError describes an oversized text without echoing it.
type LengthError struct {
	Length int
	Max    int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("%s: %d characters exceeds limit of %d", ErrContentTooLarge, e.Length, e.Max)
}

func (e *LengthError) Unwrap() error { return ErrContentTooLarge }

func (c *Config) validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return invalidf("text is empty")
	}
	if !utf8.ValidString(text) {
		return invalidf("text is not valid UTF-8")
	}
	return CheckLength(text, c.MaxContentLength)
}

func (c *Config) validateScope(scope string) error {
	if strings.TrimSpace(scope) == "" {
		return invalidf("owner scope is required")
	}
	if len(scope) > c.MaxScopeLength {
		return invalidf("owner scope exceeds %d bytes", c.MaxScopeLength)
	}
	return nil
}

// normalizeTags trims, lower-cases, drops empties, de-duplicates and sorts.
func (c *Config) normalizeTags(tags []string) ([]string, error) {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, raw := range tags {
		t := strings.ToLower(strings.TrimSpace(raw))
		if t == "" {
			continue
		}
		if len(t) > c.MaxTagLength {
			return nil, invalidf("tag exceeds %d bytes", c.MaxTagLength)
		}
		if !utf8.ValidString(t) {
			return nil, invalidf("tag is not valid UTF-8")
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) > c.MaxTags {
		return nil, invalidf("%d tags exceeds limit of %d", len(out), c.MaxTags)
	}
	sort.Strings(out)
	return out, nil
}

// normalizeMetadata checks the shallow key/value shape and converts numbers
// to float64 so values survive a JSON round trip unchanged.
func (c *Config) normalizeMetadata(md map[string]any) (map[string]any, error) {
	if len(md) == 0 {
		return nil, nil
	}
	if len(md) > c.MaxMetadataKeys {
		return nil, invalidf("%d metadata keys exceeds limit of %d", len(md), c.MaxMetadataKeys)
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		if strings.TrimSpace(k) == "" {
			return nil, invalidf("metadata key is empty")
		}
		if len(k) > c.MaxMetadataKeyLength {
			return nil, invalidf("metadata key exceeds %d bytes", c.MaxMetadataKeyLength)
		}
		nv, err := c.metadataValue(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func (c *Config) metadataValue(key string, v any) (any, error) {
	var f float64
	switch x := v.(type) {
	case string:
		if len(x) > c.MaxMetadataValueLength {
			return nil, invalidf("metadata value for %q exceeds %d bytes", key, c.MaxMetadataValueLength)
		}
		return x, nil
	case bool:
		return x, nil
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	default:
		return nil, invalidf("metadata value for %q must be string, number or bool", key)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, invalidf("metadata value for %q is not a finite number", key)
	}
	return f, nil
}
