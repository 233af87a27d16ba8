package pki

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"maps"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/jmcleod/ironca/internal/util"
)

// Attribute is a distinguished name attribute key.
type Attribute string

const (
	AttrCN Attribute = "CN"
	AttrOU Attribute = "OU"
	AttrO  Attribute = "O"
	AttrL  Attribute = "L"
	AttrST Attribute = "ST"
	AttrC  Attribute = "C"
	AttrE  Attribute = "E"
)

// attributeOrder is the canonical formatting order.
var attributeOrder = []Attribute{AttrCN, AttrOU, AttrO, AttrL, AttrST, AttrC, AttrE}

var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// Name is a distinguished name: a set of typed attributes. Two names are
// equal when their attribute maps match, irrespective of how they were
// built or formatted.
type Name map[Attribute]string

// Set stores value under attr in normalization form C.
func (n Name) Set(attr Attribute, value string) {
	n[attr] = util.Normalize(value)
}

// Get returns the value of attr and whether it is present.
func (n Name) Get(attr Attribute) (string, bool) {
	v, ok := n[attr]
	return v, ok
}

// CommonName returns the CN attribute, or "" when absent.
func (n Name) CommonName() string {
	return n[AttrCN]
}

// Equal reports whether n and other carry the same attributes and values.
func (n Name) Equal(other Name) bool {
	return maps.Equal(n, other)
}

// Clone returns a copy of n.
func (n Name) Clone() Name {
	if n == nil {
		return nil
	}
	return maps.Clone(n)
}

// String formats n; see FormatName.
func (n Name) String() string {
	return FormatName(n)
}

// FormatName renders the present attributes in the canonical order
// CN, OU, O, L, ST, C, E as KEY=value pairs joined by commas, with the
// characters , + " \ < > ; escaped by a backslash.
func FormatName(n Name) string {
	parts := make([]string, 0, len(n))
	for _, attr := range attributeOrder {
		v, ok := n[attr]
		if !ok {
			continue
		}
		parts = append(parts, string(attr)+"="+escapeValue(v))
	}
	return strings.Join(parts, ",")
}

// ParseName parses a comma-separated KEY=value string. Keys are matched
// case-insensitively, unknown keys are ignored and surrounding whitespace
// is trimmed from keys and values.
func ParseName(s string) (Name, error) {
	parts, err := splitUnescaped(s, ',')
	if err != nil {
		return nil, err
	}
	n := Name{}
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		key, raw, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: attribute %q has no '='", ErrInvalidName, strings.TrimSpace(part))
		}
		attr := Attribute(strings.ToUpper(strings.TrimSpace(key)))
		if !knownAttribute(attr) {
			continue
		}
		n[attr] = unescapeValue(strings.TrimSpace(raw))
	}
	return n, nil
}

// Validate checks n for use as a certificate subject: CN is required,
// C must be exactly two characters and no attribute may be blank.
func (n Name) Validate() error {
	return n.validate(true)
}

// ValidateAttributes applies the attribute rules of Validate without
// requiring a CN.
func (n Name) ValidateAttributes() error {
	return n.validate(false)
}

func (n Name) validate(requireCN bool) error {
	var errs []error
	if cn, ok := n[AttrCN]; requireCN && (!ok || strings.TrimSpace(cn) == "") {
		errs = append(errs, fieldError(ErrInvalidName, string(AttrCN), "is required"))
	}
	for _, attr := range attributeOrder {
		v, ok := n[attr]
		if !ok {
			continue
		}
		switch {
		case strings.TrimSpace(v) == "":
			if attr != AttrCN || !requireCN {
				errs = append(errs, fieldError(ErrInvalidName, string(attr), "must not be blank"))
			}
		case strings.TrimSpace(v) != v:
			errs = append(errs, fieldError(ErrInvalidName, string(attr), "has leading or trailing whitespace"))
		case !norm.NFC.IsNormalString(v):
			errs = append(errs, fieldError(ErrInvalidName, string(attr), "is not in normalization form C"))
		}
		if attr == AttrC && strings.TrimSpace(v) != "" && len([]rune(v)) != 2 {
			errs = append(errs, fieldError(ErrInvalidName, string(AttrC), "must be exactly two characters, got %q", v))
		}
	}
	for attr := range n {
		if !knownAttribute(attr) {
			errs = append(errs, fieldError(ErrInvalidName, string(attr), "unsupported attribute"))
		}
	}
	return errors.Join(errs...)
}

// PKIX converts n into the form used by crypto/x509 templates.
func (n Name) PKIX() pkix.Name {
	var out pkix.Name
	out.CommonName = n[AttrCN]
	if v, ok := n[AttrOU]; ok {
		out.OrganizationalUnit = []string{v}
	}
	if v, ok := n[AttrO]; ok {
		out.Organization = []string{v}
	}
	if v, ok := n[AttrL]; ok {
		out.Locality = []string{v}
	}
	if v, ok := n[AttrST]; ok {
		out.Province = []string{v}
	}
	if v, ok := n[AttrC]; ok {
		out.Country = []string{v}
	}
	if v, ok := n[AttrE]; ok {
		out.ExtraNames = append(out.ExtraNames, pkix.AttributeTypeAndValue{Type: oidEmailAddress, Value: v})
	}
	return out
}

// NameFromPKIX converts a parsed x509 name. Multi-valued attributes keep
// their first value.
func NameFromPKIX(p pkix.Name) Name {
	n := Name{}
	if p.CommonName != "" {
		n[AttrCN] = p.CommonName
	}
	first := func(attr Attribute, vs []string) {
		if len(vs) > 0 {
			n[attr] = vs[0]
		}
	}
	first(AttrOU, p.OrganizationalUnit)
	first(AttrO, p.Organization)
	first(AttrL, p.Locality)
	first(AttrST, p.Province)
	first(AttrC, p.Country)
	for _, atv := range p.Names {
		if atv.Type.Equal(oidEmailAddress) {
			if v, ok := atv.Value.(string); ok {
				n[AttrE] = v
			}
		}
	}
	return n
}

func knownAttribute(attr Attribute) bool {
	for _, a := range attributeOrder {
		if a == attr {
			return true
		}
	}
	return false
}

func isSpecial(r rune) bool {
	switch r {
	case ',', '+', '"', '\\', '<', '>', ';':
		return true
	}
	return false
}

func escapeValue(v string) string {
	var sb strings.Builder
	sb.Grow(len(v))
	for _, r := range v {
		if isSpecial(r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// unescapeValue drops the backslash in front of special characters. A
// backslash before any other character is kept literally.
func unescapeValue(v string) string {
	var sb strings.Builder
	sb.Grow(len(v))
	rs := []rune(v)
	for i := 0; i < len(rs); i++ {
		if rs[i] == '\\' && i+1 < len(rs) && isSpecial(rs[i+1]) {
			i++
		}
		sb.WriteRune(rs[i])
	}
	return sb.String()
}

// splitUnescaped splits s on sep where sep is not preceded by an escaping
// backslash. Escape sequences are preserved in the returned parts.
func splitUnescaped(s string, sep rune) ([]string, error) {
	var (
		parts   []string
		current strings.Builder
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			current.WriteRune(r)
			escaped = true
		case r == sep:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if escaped {
		return nil, fmt.Errorf("%w: dangling escape at end of %q", ErrInvalidName, s)
	}
	return append(parts, current.String()), nil
}
