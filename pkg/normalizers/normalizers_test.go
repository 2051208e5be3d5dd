package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeBusinessName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Joe's Pizza, LLC", "joes pizza"},
		{"The Home Depot", "home depot"},
		{"ACME Corp.", "acme"},
		{"Smith & Sons Plumbing Inc", "smith and sons plumbing"},
		{"  Blue   Bottle   Coffee ", "blue bottle coffee"},
		{"LLC", "llc"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeBusinessName(tt.input))
		})
	}
}

func TestCompactName(t *testing.T) {
	assert.Equal(t, "bluebottlecoffee", CompactName("The Blue Bottle Coffee, Inc."))
	assert.Equal(t, "", CompactName(" , "))
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"123 Main Street", "123 main st"},
		{"123 Main St.", "123 main st"},
		{"45 North Oak Avenue, Suite 200", "45 n oak ave ste 200"},
		{"9 Westfield Road", "9 westfield rd"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeAddress(tt.input))
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "5551234567", NormalizePhone("(555) 123-4567"))
	assert.Equal(t, "5551234567", NormalizePhone("+1 555 123 4567"))
	assert.Equal(t, "123", NormalizePhone("ext 123"))
	assert.Equal(t, "", NormalizePhone("n/a"))
}

func TestNormalizeZipCode(t *testing.T) {
	assert.Equal(t, "10001", NormalizeZipCode("10001"))
	assert.Equal(t, "10001", NormalizeZipCode("10001-1234"))
	assert.Equal(t, "", NormalizeZipCode("1000"))
	assert.Equal(t, "", NormalizeZipCode(""))
}

func TestNormalizeWebsite(t *testing.T) {
	assert.Equal(t, "joespizza.com", NormalizeWebsite("https://www.JoesPizza.com/menu?x=1"))
	assert.Equal(t, "joespizza.com", NormalizeWebsite("joespizza.com"))
	assert.Equal(t, "", NormalizeWebsite(""))
}

func TestToken(t *testing.T) {
	assert.Equal(t, "home services", Token("  Home   Services "))
}
