package utils

import (
	"strings"
	"unicode"
)

func isIdentifierRune(r rune, first bool) bool {
	switch {
	case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return !first
	}
	return false
}

// IsIdentifier returns whether name is usable as a mesh or axis name: a non-empty sequence of ASCII letters,
// digits and underscores, not starting with a digit.
func IsIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if !isIdentifierRune(r, i == 0) {
			return false
		}
	}
	return true
}

// NormalizeIdentifier returns the closest identifier to name: invalid characters become underscores, and a
// leading digit gets an underscore prefix. It is used to suggest a valid name in error messages.
func NormalizeIdentifier(name string) string {
	var sb strings.Builder
	for i, r := range name {
		switch {
		case isIdentifierRune(r, i == 0):
			sb.WriteRune(r)
		case i == 0 && unicode.IsDigit(r) && r < unicode.MaxASCII:
			sb.WriteByte('_')
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// ToSnakeCase converts a CamelCase name (e.g. "AllReduce") to snake_case ("all_reduce"). A run of capitals is
// kept as one word: "HTTPServer" becomes "http_server".
func ToSnakeCase(name string) string {
	runes := []rune(name)
	var sb strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prevLower := !unicode.IsUpper(runes[i-1]) && runes[i-1] != '_'
			endOfRun := unicode.IsUpper(runes[i-1]) && i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || endOfRun {
				sb.WriteByte('_')
			}
		}
		sb.WriteRune(unicode.ToLower(r))
	}
	return sb.String()
}
