package probe

import "strings"

const globe = "\U0001F30D"

var countryCodes = map[string]string{
	"iran":           "IR",
	"united states":  "US",
	"germany":        "DE",
	"united kingdom": "GB",
	"france":         "FR",
	"india":          "IN",
	"china":          "CN",
	"japan":          "JP",
	"brazil":         "BR",
	"canada":         "CA",
	"australia":      "AU",
	"russia":         "RU",
	"italy":          "IT",
	"spain":          "ES",
	"netherlands":    "NL",
	"turkey":         "TR",
}

// Flag returns the emoji flag for a country name or ISO code, or a globe.
func Flag(country string) string {
	code := strings.TrimSpace(country)
	if c, ok := countryCodes[strings.ToLower(code)]; ok {
		code = c
	}
	if len(code) != 2 {
		return globe
	}
	code = strings.ToUpper(code)
	var b strings.Builder
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return globe
		}
		b.WriteRune(0x1F1E6 + (r - 'A'))
	}
	return b.String()
}
