// Package address derives routing identities from raw email addresses.
//
// Two forms are used throughout mailcroc:
//
//   - the exact form: the address trimmed and lower-cased, exactly as a client
//     typed it;
//   - the canonical form: the exact form with any "+tag" sub-address removed and
//     all dots dropped from the local part, so that aliases such as
//     "User.Name+promo@example.com" and "username@example.com" collapse to the
//     same identity.
//
// Both functions are pure and never fail. Input that is not a single
// local@domain pair degrades to its exact form.
package address

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Exact returns the trimmed, lower-cased form of raw.
func Exact(raw string) string {
	return norm.NFC.String(strings.ToLower(strings.TrimSpace(raw)))
}

// Normalize returns the canonical identity for raw.
// Normalize(Normalize(x)) == Normalize(x) for every x.
func Normalize(raw string) string {
	exact := Exact(raw)
	if strings.Count(exact, "@") != 1 {
		return exact
	}

	at := strings.IndexByte(exact, '@')
	local, domain := exact[:at], exact[at+1:]

	if plus := strings.IndexByte(local, '+'); plus >= 0 {
		local = local[:plus]
	}
	local = strings.TrimSpace(strings.ReplaceAll(local, ".", ""))

	// Dropping dots can leave a base letter next to a combining mark, so
	// composition runs again on the result.
	return norm.NFC.String(local + "@" + domain)
}

// Unwrap extracts the address from an RFC 5322 style "Name <addr>" value.
// Values without angle brackets are returned trimmed.
func Unwrap(raw string) string {
	s := strings.TrimSpace(raw)
	start := strings.LastIndexByte(s, '<')
	if start < 0 {
		return s
	}
	end := strings.IndexByte(s[start:], '>')
	if end < 0 {
		return s
	}
	return strings.TrimSpace(s[start+1 : start+end])
}

// Keys returns the registry keys raw should be reachable under: its exact
// form and, when different, its canonical form.
func Keys(raw string) []string {
	exact := Exact(raw)
	canonical := Normalize(exact)
	if canonical == exact {
		return []string{exact}
	}
	return []string{exact, canonical}
}

// Domain returns the lower-cased domain part of raw, or "" when raw is not a
// single local@domain pair.
func Domain(raw string) string {
	exact := Exact(Unwrap(raw))
	if strings.Count(exact, "@") != 1 {
		return ""
	}
	return exact[strings.IndexByte(exact, '@')+1:]
}
