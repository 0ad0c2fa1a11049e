package seddiff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoCrash(t *testing.T) {
	Seddiff("", "lalala")
	Seddiff("lalala", "lalala")
	Seddiff("lalala", "")
	Seddiff("lalala", "lalala allelolela")
	Seddiff("lalala allelolela", "allelolela")
	Seddiff("lalala allelolela", "lalala")
}

func TestNoDiff(t *testing.T) {
	assert.Equal(t, "", Seddiff("ciao", "ciao"))
	assert.Equal(t, "", Seddiff("", ""))
	assert.Equal(t, "", Seddiff("la la", "la la"))
}

func TestFullReplace(t *testing.T) {
	assert.Equal(t, "s/vado al mare/dormo la sera/", Seddiff("vado al mare", "dormo la sera"))
	assert.Equal(t, "s/ciae å tuttï/ciao a tutti/", Seddiff("ciae å tuttï", "ciao a tutti"))
}

func TestPartials(t *testing.T) {
	assert.Equal(t, "s/dormire/nuotare/", Seddiff("vado a dormire al mare", "vado a nuotare al mare"))
	assert.Equal(t, "s/ciae/ciao/", Seddiff("ciae a tutti", "ciao a tutti"))
	assert.Equal(t, "s/ciae å/ciao a/", Seddiff("ciae å tutti", "ciao a tutti"))
}

func TestBoundaryInsertion(t *testing.T) {
	assert.Equal(t, "s/mare/il mare/", Seddiff("mare blu", "il mare blu"))
}

func TestAppend(t *testing.T) {
	assert.Equal(t, `s/$/(meaning "bla bla bla")/`, Seddiff("XYZ", `XYZ (meaning "bla bla bla")`))
}

func TestAppendToLongMessage(t *testing.T) {
	// Appending after a separator widens the prefix past the end of the
	// left side; that must not depend on the string length.
	for _, n := range []int{3, 16, 32, 36, 40, 64, 100} {
		base := strings.Repeat("a", n)
		assert.Equal(t, "s/$/x/", Seddiff(base, base+" x"))
	}
}
