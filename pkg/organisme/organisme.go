package organisme

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidIdentifier is returned when an organisation code is not a string
// of at least three digits.
var ErrInvalidIdentifier = errors.New("invalid organisation code")

// DefaultRegime is applied to codes that carry no regime prefix.
const DefaultRegime = "01"

// shortCodeMaxLen is the longest code treated as having no regime prefix.
const shortCodeMaxLen = 3

var codePattern = regexp.MustCompile(`^\d{3,}$`)

// Identifier is a normalized organisation code.
type Identifier struct {
	regime    string
	shortCode string
	fullCode  string
}

// Normalize derives the canonical identifier for code. It never fails: input
// that is not a valid code yields an identifier that simply matches nothing
// in the directory. Use [Parse] to reject malformed input.
func Normalize(code string) Identifier {
	if len(code) <= shortCodeMaxLen {
		return Identifier{
			regime:    DefaultRegime,
			shortCode: code,
			fullCode:  DefaultRegime + code,
		}
	}
	return Identifier{
		regime:    code[:2],
		shortCode: code[2:],
		fullCode:  code,
	}
}

// Parse validates code and normalizes it.
func Parse(code string) (Identifier, error) {
	if !codePattern.MatchString(code) {
		return Identifier{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, code)
	}
	return Normalize(code), nil
}

// Regime returns the two digit regime prefix.
func (id Identifier) Regime() string { return id.regime }

// ShortCode returns the code without its regime prefix.
func (id Identifier) ShortCode() string { return id.shortCode }

// FullCode returns regime + short code. It is the cache key.
func (id Identifier) FullCode() string { return id.fullCode }

// IsZero reports whether id was never normalized.
func (id Identifier) IsZero() bool { return id.fullCode == "" }

// LookupKey returns the email-shaped directory key
// "{fullCode}@{shortCode}.{regime}.{domain}".
func (id Identifier) LookupKey(domain string) string {
	return fmt.Sprintf("%s@%s.%s.%s", id.fullCode, id.shortCode, id.regime, domain)
}

// FileName returns the certificate file name for this organisation.
func (id Identifier) FileName() string {
	return id.fullCode + ".pem"
}

func (id Identifier) String() string {
	return id.fullCode
}

var regimeNames = map[string]string{
	"01": "Régime général",
	"02": "Mutualité sociale agricole",
	"03": "Régime social des indépendants",
	"05": "Régimes spéciaux",
	"06": "Sections locales mutualistes",
	"10": "Mutuelles",
	"91": "MGEN",
}

// RegimeName returns a human readable label for a regime, or "" when the
// regime is not known.
func RegimeName(regime string) string {
	return regimeNames[regime]
}
