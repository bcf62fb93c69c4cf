// Package jsonrepair normalizes the quasi-JSON some providers emit for tool
// call arguments: single-quoted keys, values and list items instead of the
// double quotes valid JSON requires. Repair is best effort and never fails
// outward; input that cannot be fixed comes back unchanged.
package jsonrepair

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Pre-escaped single quotes are parked on this sentinel while the quote
// rewrites run, then restored as escaped double quotes.
const quoteSentinel = "\x00sq\x00"

var (
	reSingleKey   = regexp.MustCompile(`'([^']*)'(\s*:)`)
	reSingleValue = regexp.MustCompile(`(:\s*)'([^']*)'`)
	reSingleItem  = regexp.MustCompile(`([\[,]\s*)'([^']*)'(\s*[,\]])`)
)

// RepairQuoting rewrites single-quoted JSON into valid double-quoted JSON.
// Already-valid input and input that is not JSON-shaped pass through
// untouched. When the targeted rewrite fails validation a blanket quote
// substitution is tried; when that fails too the original string comes back.
func RepairQuoting(s string) string {
	if json.Valid([]byte(s)) {
		return s
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return s
	}

	marked := strings.ReplaceAll(s, `\'`, quoteSentinel)
	out := reSingleKey.ReplaceAllString(marked, `"${1}"${2}`)
	out = reSingleValue.ReplaceAllString(out, `${1}"${2}"`)
	// Adjacent array items share their comma delimiter, so a single pass
	// can only rewrite every other item.
	out = reSingleItem.ReplaceAllString(out, `${1}"${2}"${3}`)
	out = reSingleItem.ReplaceAllString(out, `${1}"${2}"${3}`)
	out = strings.ReplaceAll(out, quoteSentinel, `\"`)
	if json.Valid([]byte(out)) {
		return out
	}

	blanket := strings.ReplaceAll(s, `'`, `"`)
	if json.Valid([]byte(blanket)) {
		return blanket
	}
	return s
}

// SafeParse returns s when it is strictly valid JSON, the repaired form when
// RepairQuoting can fix it, and def otherwise.
func SafeParse(s string, def json.RawMessage) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	repaired := RepairQuoting(s)
	if json.Valid([]byte(repaired)) {
		return json.RawMessage(repaired)
	}
	return def
}
