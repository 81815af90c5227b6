package common

import (
	"math"
	"strings"
)

var (
	letterNames = strings.Fields(`
		Alfa Bravo Charlie Delta Echo Foxtrot Golf Hotel India Juliett Kilo Lima
		Mike November Oscar Papa Quebec Romeo Sierra Tango Uniform Victor Whiskey
		Xray Yankee Zulu`)

	digitNames = strings.Fields("Zero One Two Three Four Five Six Seven Eight Nine")
)

// PhoneticNames produces readable names from indexes: the first 26 are the NATO
// letters, later ones get digit word suffixes ("Alfa One", "Bravo One", ...).
type PhoneticNames struct {
	digits int
	sep    string
}

// NewPhoneticNames pads suffixes so that every index up to maxIndex has the same
// number of digit words. A zero maxIndex disables padding.
func NewPhoneticNames(maxIndex int, sep string) PhoneticNames {
	digits := 0
	if maxIndex > 0 {
		digits = int(math.Ceil(math.Log10(float64(maxIndex) / 26)))
		if digits < 0 {
			digits = 0
		}
	}
	return PhoneticNames{digits: digits, sep: sep}
}

// Name returns the name for the index.
func (p PhoneticNames) Name(num int) string {
	parts := []string{letterNames[num%26]}
	num /= 26
	for digits := 0; num > 0 || digits < p.digits; digits++ {
		parts = append(parts, digitNames[num%10])
		num /= 10
	}
	return strings.Join(parts, p.sep)
}
