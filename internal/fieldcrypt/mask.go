package fieldcrypt

import (
	"strings"
	"unicode"
)

// MaskKind selects the masking rule for a value.
type MaskKind string

const (
	MaskEmail   MaskKind = "email"
	MaskName    MaskKind = "name"
	MaskPhone   MaskKind = "phone"
	MaskLicense MaskKind = "license"
	// MaskFull hides the whole value.
	MaskFull MaskKind = "full"
)

const maskRune = '*'

// MaskForDisplay returns a partially hidden form of data. Output is
// deterministic for a given input and kind.
//
//	email   jane.doe@example.com -> j*******@example.com
//	name    Jane Doe             -> J*** D**
//	phone   +1 (555) 123-4567    -> ***-***-4567
//	license MD-99812345          -> *******2345
func MaskForDisplay(data string, kind MaskKind) string {
	if data == "" {
		return ""
	}
	switch kind {
	case MaskEmail:
		return maskEmail(data)
	case MaskName:
		return maskName(data)
	case MaskPhone:
		return maskPhone(data)
	case MaskLicense:
		return keepLast(data, 4)
	default:
		return strings.Repeat(string(maskRune), 8)
	}
}

func maskEmail(s string) string {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 {
		return keepFirst(s, 1)
	}
	return keepFirst(s[:at], 1) + s[at:]
}

func maskName(s string) string {
	parts := strings.Fields(s)
	for i, p := range parts {
		parts[i] = keepFirst(p, 1)
	}
	return strings.Join(parts, " ")
}

func maskPhone(s string) string {
	var digits []rune
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) <= 4 {
		return strings.Repeat(string(maskRune), len(digits))
	}
	return "***-***-" + string(digits[len(digits)-4:])
}

func keepFirst(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return strings.Repeat(string(maskRune), len(runes))
	}
	return string(runes[:n]) + strings.Repeat(string(maskRune), len(runes)-n)
}

func keepLast(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return strings.Repeat(string(maskRune), len(runes))
	}
	return strings.Repeat(string(maskRune), len(runes)-n) + string(runes[len(runes)-n:])
}
