package conversation

import (
	"strings"
	"unicode"
)

// normalizePlate uppercases a plate and drops spaces and dashes.
func normalizePlate(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		switch {
		case r == ' ' || r == '-' || r == '\t':
			continue
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			return "", false
		}
	}
	plate := b.String()
	if len(plate) < 2 || len(plate) > 12 {
		return "", false
	}
	return plate, true
}

func normalizeName(raw string) (string, bool) {
	name := strings.Join(strings.Fields(raw), " ")
	if len([]rune(name)) < 2 {
		return "", false
	}
	for _, r := range name {
		if unicode.IsDigit(r) {
			return "", false
		}
	}
	return name, true
}

// NormalizePhone strips separators and checks the digit count.
// Numbers without a leading + are returned as digits only.
func NormalizePhone(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	// allow + and digits; strip common separators
	repl := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", "\t", "", ".", "")
	s = repl.Replace(s)
	if strings.HasPrefix(s, "+") {
		s = "+" + filterDigits(s[1:])
	} else {
		s = filterDigits(s)
	}
	digits := strings.TrimPrefix(s, "+")
	if len(digits) < 10 || len(digits) > 15 {
		return "", false
	}
	if s[0] != '+' {
		return digits, true
	}
	return s, true
}

func filterDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
