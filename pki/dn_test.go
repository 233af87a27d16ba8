package pki_test

import (
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/pki"
)

func TestFormatName(t *testing.T) {
	n := pki.Name{
		pki.AttrC:  "US",
		pki.AttrCN: "Test Root",
		pki.AttrO:  "Acme",
		pki.AttrE:  "pki@example.com",
		pki.AttrOU: "Security",
		pki.AttrST: "CA",
		pki.AttrL:  "San Francisco",
	}
	assert.Equal(t, "CN=Test Root,OU=Security,O=Acme,L=San Francisco,ST=CA,C=US,E=pki@example.com", pki.FormatName(n))
	assert.Equal(t, pki.FormatName(n), n.String())
	assert.Equal(t, "", pki.FormatName(pki.Name{}))
}

func TestFormatName_Escaping(t *testing.T) {
	n := pki.Name{pki.AttrCN: "a", pki.AttrO: "Example, Inc."}
	formatted := pki.FormatName(n)
	assert.Equal(t, `CN=a,O=Example\, Inc.`, formatted)

	parsed, err := pki.ParseName(formatted)
	require.NoError(t, err)
	assert.Equal(t, "Example, Inc.", parsed[pki.AttrO])
}

func TestParseName_RoundTrip(t *testing.T) {
	cases := []pki.Name{
		{pki.AttrCN: "Test Root", pki.AttrO: "Acme", pki.AttrC: "US"},
		{pki.AttrCN: `quote " and backslash \`},
		{pki.AttrCN: "all,+\"\\<>;specials", pki.AttrOU: "x;y", pki.AttrL: "<here>"},
		{pki.AttrCN: "plus+sign", pki.AttrE: "user@example.com"},
		{pki.AttrCN: "\u00e9quipe", pki.AttrO: "Z\u00fcrich AG"},
		{pki.AttrCN: "ends with backslash\\"},
		{pki.AttrCN: "a=b=c"},
	}
	for _, want := range cases {
		t.Run(pki.FormatName(want), func(t *testing.T) {
			require.NoError(t, want.Validate())
			got, err := pki.ParseName(pki.FormatName(want))
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "want %v, got %v", want, got)
		})
	}
}

func TestParseName_Lenient(t *testing.T) {
	n, err := pki.ParseName(" cn = Host , o=Acme, X-UNKNOWN=ignored ,c=US,")
	require.NoError(t, err)
	assert.Equal(t, pki.Name{pki.AttrCN: "Host", pki.AttrO: "Acme", pki.AttrC: "US"}, n)
}

func TestParseName_Errors(t *testing.T) {
	_, err := pki.ParseName("CN=trailing\\")
	assert.ErrorIs(t, err, pki.ErrInvalidName)
	assert.ErrorIs(t, err, pki.ErrValidation)

	_, err = pki.ParseName("CN=ok,justtext")
	assert.ErrorIs(t, err, pki.ErrInvalidName)
}

func TestName_Validate(t *testing.T) {
	tests := []struct {
		name    string
		dn      pki.Name
		wantErr bool
	}{
		{"valid", pki.Name{pki.AttrCN: "host", pki.AttrC: "DE"}, false},
		{"missing CN", pki.Name{pki.AttrO: "Acme"}, true},
		{"blank CN", pki.Name{pki.AttrCN: "  "}, true},
		{"three letter country", pki.Name{pki.AttrCN: "host", pki.AttrC: "USA"}, true},
		{"blank organization", pki.Name{pki.AttrCN: "host", pki.AttrO: ""}, true},
		{"padded value", pki.Name{pki.AttrCN: " host"}, true},
		{"decomposed value", pki.Name{pki.AttrCN: "e\u0301"}, true},
		{"unknown attribute", pki.Name{pki.AttrCN: "host", "DC": "example"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.dn.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, pki.ErrInvalidName)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	// Issuer-style validation does not require a CN.
	assert.NoError(t, pki.Name{pki.AttrO: "Acme"}.ValidateAttributes())
}

func TestName_ValidateReportsEveryProblem(t *testing.T) {
	err := pki.Name{pki.AttrC: "USA", pki.AttrO: ""}.Validate()
	require.Error(t, err)
	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)
	assert.Len(t, joined.Unwrap(), 3)
}

func TestName_SetNormalizes(t *testing.T) {
	n := pki.Name{}
	n.Set(pki.AttrCN, "e\u0301quipe")
	assert.Equal(t, "\u00e9quipe", n.CommonName())
	assert.NoError(t, n.Validate())
}

func TestName_Equal(t *testing.T) {
	a := pki.Name{pki.AttrCN: "x", pki.AttrO: "y"}
	b := pki.Name{pki.AttrO: "y", pki.AttrCN: "x"}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(pki.Name{pki.AttrCN: "x"}))
	assert.False(t, a.Equal(pki.Name{pki.AttrCN: "x", pki.AttrO: "z"}))

	clone := a.Clone()
	clone[pki.AttrCN] = "changed"
	assert.Equal(t, "x", a[pki.AttrCN])
}

func TestName_PKIX(t *testing.T) {
	n := pki.Name{pki.AttrCN: "host", pki.AttrO: "Acme", pki.AttrC: "US", pki.AttrE: "ops@example.com"}
	p := n.PKIX()
	assert.Equal(t, "host", p.CommonName)
	assert.Equal(t, []string{"Acme"}, p.Organization)
	assert.Equal(t, []string{"US"}, p.Country)
	require.Len(t, p.ExtraNames, 1)

	// ExtraNames surface as Names after a round trip through the encoder.
	var seq pkix.RDNSequence = p.ToRDNSequence()
	var back pkix.Name
	back.FillFromRDNSequence(&seq)
	assert.True(t, n.Equal(pki.NameFromPKIX(back)))
}
