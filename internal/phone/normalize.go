// Package phone owns the single canonicalisation rule used by every path
// that stores or looks up a phone number.
package phone

import (
	"errors"
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var ErrInvalidPhoneNumber = errors.New("invalid phone number")

type Normalizer struct {
	region string
}

// NewNormalizer builds a normalizer for numbers written without a country
// code. region is an ISO 3166 alpha-2 code such as "KE".
func NewNormalizer(region string) *Normalizer {
	if region == "" {
		region = "KE"
	}
	return &Normalizer{region: strings.ToUpper(region)}
}

func (n *Normalizer) Region() string {
	return n.region
}

// Normalize returns raw in E.164 form. "0712345678", "712345678",
// "254712345678" and "+254 712 345 678" all become "+254712345678" for KE.
func (n *Normalizer) Normalize(raw string) (string, error) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return "", ErrInvalidPhoneNumber
	}

	// Local numbers typed with the country code but no plus sign.
	if !strings.HasPrefix(cleaned, "+") {
		cc := phonenumbers.GetCountryCodeForRegion(n.region)
		digits := digitsOnly(cleaned)
		prefix := strconv.Itoa(cc)
		if cc != 0 && strings.HasPrefix(digits, prefix) && len(digits) > len(prefix)+8 {
			cleaned = "+" + digits
		}
	}

	num, err := phonenumbers.Parse(cleaned, n.region)
	if err != nil {
		return "", ErrInvalidPhoneNumber
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", ErrInvalidPhoneNumber
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
