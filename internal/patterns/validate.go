package patterns

import (
	"strings"
	"unicode"
)

// ValidatorKind names a post-match checksum check.
type ValidatorKind string

const (
	ValidatorNone  ValidatorKind = ""
	ValidatorIBAN  ValidatorKind = "iban"
	ValidatorTaxID ValidatorKind = "tax_id"
)

func (v ValidatorKind) known() bool {
	switch v {
	case ValidatorNone, ValidatorIBAN, ValidatorTaxID:
		return true
	}
	return false
}

// Check runs the validator against a matched span. ValidatorNone always passes.
func (v ValidatorKind) Check(s string) bool {
	switch v {
	case ValidatorIBAN:
		return ValidIBAN(s)
	case ValidatorTaxID:
		return ValidTaxID(s)
	}
	return true
}

// ValidIBAN verifies the ISO 13616 mod-97 checksum. Spaces are ignored.
func ValidIBAN(s string) bool {
	compact := strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	if len(compact) < 15 || len(compact) > 34 {
		return false
	}
	for i, r := range compact {
		switch {
		case i < 2 && (r < 'A' || r > 'Z'):
			return false
		case i >= 2 && i < 4 && (r < '0' || r > '9'):
			return false
		case !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9'):
			return false
		}
	}

	rearranged := compact[4:] + compact[:4]
	rem := 0
	for _, r := range rearranged {
		if r >= 'A' && r <= 'Z' {
			v := int(r-'A') + 10
			rem = (rem*100 + v) % 97
			continue
		}
		rem = (rem*10 + int(r-'0')) % 97
	}
	return rem == 1
}

// ValidTaxID checks German tax identifiers. The 11-digit personal
// Steuer-ID and the 9-digit USt-IdNr (with or without the DE prefix) carry an
// ISO 7064 MOD 11,10 check digit. Regional Steuernummer formats have no
// uniform checksum and always pass.
func ValidTaxID(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.EqualFold(s[:2], "DE") {
		s = s[2:]
	}
	if strings.Contains(s, "/") {
		return true
	}

	digits := make([]int, 0, len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
		digits = append(digits, int(r-'0'))
	}

	switch len(digits) {
	case 11:
		if digits[0] == 0 {
			return false
		}
		return mod1110(digits)
	case 9:
		return mod1110(digits)
	case 10, 12, 13:
		return true
	}
	return false
}

func mod1110(digits []int) bool {
	product := 10
	for _, d := range digits[:len(digits)-1] {
		sum := (d + product) % 10
		if sum == 0 {
			sum = 10
		}
		product = (sum * 2) % 11
	}
	check := 11 - product
	if check == 10 {
		check = 0
	}
	return check == digits[len(digits)-1]
}
