package aci_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/vorion/pkg/aci"
	"github.com/vorion-labs/vorion/pkg/apierror"
)

func TestParse_Full(t *testing.T) {
	id, err := aci.Parse("vorion.acme.support-agent:FHC-L3@1.2.3#audit,redteam")
	require.NoError(t, err)

	assert.Equal(t, "vorion", id.Registry)
	assert.Equal(t, "acme", id.Organization)
	assert.Equal(t, "support-agent", id.AgentClass)
	assert.Equal(t, "FHC", id.DomainLetters)
	assert.Equal(t, 3, id.Level)
	assert.Equal(t, "1.2.3", id.Version)
	assert.Equal(t, []string{"audit", "redteam"}, id.Extensions)

	// F=bit5, H=bit7, C=bit2
	assert.Equal(t, uint32(1<<5|1<<7|1<<2), id.DomainMask)
}

func TestParse_NoExtensions(t *testing.T) {
	id, err := aci.Parse("vorion.acme.worker:A-L0@0.1.0")
	require.NoError(t, err)
	assert.Empty(t, id.Extensions)
	assert.Equal(t, uint32(1), id.DomainMask)
}

func TestParse_Malformed(t *testing.T) {
	cases := []string{
		"",
		"vorion.acme.worker:A-L0",            // missing version
		"vorion.acme.worker:A-L0@not-semver", // bad semver
		"vorion.acme:A-L0@1.0.0",             // two segments
		"vorion.acme.worker.extra:A-L0@1.0.0",
		"vorion.acme.worker:A@1.0.0",    // missing level
		"vorion.acme.worker:A-L6@1.0.0", // level out of range
		"vorion.acme.worker:a-L1@1.0.0", // lowercase mask
		"vorion.acme.worker:A-L1@1.0.0#TooLong",
		"vorion.acme.worker:A-L1@1.0.0#waytoolongcode",
	}
	for _, s := range cases {
		_, err := aci.Parse(s)
		assert.True(t, apierror.Is(err, apierror.CodeValidation), "input %q", s)
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := []string{
		"vorion.acme.support-agent:FHC-L3@1.2.3#audit,redteam",
		"vorion.acme.worker:A-L0@0.1.0",
		"r.o.c:ZYX-L5@10.20.30#a",
	}
	for _, in := range inputs {
		id, err := aci.Parse(in)
		require.NoError(t, err)
		assert.Equal(t, in, id.String(), "round trip of %q", in)
	}
}

func TestString_SortExtensions(t *testing.T) {
	id, err := aci.Parse("vorion.acme.worker:A-L1@1.0.0#zeta,alpha")
	require.NoError(t, err)
	assert.Equal(t, "vorion.acme.worker:A-L1@1.0.0#alpha,zeta", id.String(aci.SortExtensions()))
	// original order untouched
	assert.Equal(t, []string{"zeta", "alpha"}, id.Extensions)
}

func TestMaskLetters(t *testing.T) {
	mask, err := aci.MaskFromLetters("ABZ")
	require.NoError(t, err)
	assert.Equal(t, uint32(1|2|1<<25), mask)
	assert.Equal(t, "ABZ", aci.LettersFromMask(mask))

	_, err = aci.MaskFromLetters("ab")
	assert.Error(t, err)
	_, err = aci.MaskFromLetters("")
	assert.Error(t, err)
}
