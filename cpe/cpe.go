package cpe

import (
	"strings"
	"unicode"

	"golang.org/x/xerrors"

	"github.com/envoyproxy/dependency-check/types"
)

// Attribute enumerates the CPE 2.3 attributes in binding order.
type Attribute int

const (
	Part Attribute = iota
	Vendor
	Product
	Version
	Update
	Edition
	Language
	SwEdition
	TargetSW
	TargetHW
	Other
)

// NumAttr is the number of attributes in a 2.3 WFN.
const NumAttr = 11

const prefix = "cpe:2.3:"

var attrNames = [NumAttr]string{
	"part", "vendor", "product", "version", "update", "edition",
	"language", "sw_edition", "target_sw", "target_hw", "other",
}

func (a Attribute) String() string {
	if a < 0 || int(a) >= NumAttr {
		return "unknown"
	}
	return attrNames[a]
}

// ValueKind is the kind of an attribute value.
type ValueKind uint8

const (
	ValueSet ValueKind = iota
	ValueAny
	ValueNA
)

// Value is a single attribute. V holds the bound (escaped, lowercase) text
// and is only meaningful for ValueSet.
type Value struct {
	Kind ValueKind
	V    string
}

func (v Value) String() string {
	switch v.Kind {
	case ValueAny:
		return "*"
	case ValueNA:
		return "-"
	}
	return v.V
}

// Literal returns the value with escapes removed.
func (v Value) Literal() string {
	if v.Kind != ValueSet {
		return v.String()
	}
	var b strings.Builder
	esc := false
	for _, r := range v.V {
		if r == '\\' && !esc {
			esc = true
			continue
		}
		esc = false
		b.WriteRune(r)
	}
	return b.String()
}

// WFN is a well-formed CPE name.
type WFN struct {
	Attr [NumAttr]Value
}

func (w WFN) Get(a Attribute) Value {
	return w.Attr[a]
}

func (w WFN) Vendor() string  { return w.Attr[Vendor].Literal() }
func (w WFN) Product() string { return w.Attr[Product].Literal() }
func (w WFN) Version() string { return w.Attr[Version].Literal() }

// String binds the WFN to its canonical formatted string.
func (w WFN) String() string {
	var b strings.Builder
	b.WriteString(prefix[:len(prefix)-1])
	for _, v := range w.Attr {
		b.WriteByte(':')
		b.WriteString(v.String())
	}
	return b.String()
}

func (w WFN) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

func (w *WFN) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// Parse unbinds a CPE 2.3 formatted string. Escaped colons do not separate
// fields.
func Parse(s string) (WFN, error) {
	var w WFN
	if !strings.HasPrefix(s, prefix) {
		return w, parseError(s, xerrors.New("missing cpe:2.3: prefix"))
	}
	fields, err := split(s)
	if err != nil {
		return w, parseError(s, err)
	}
	if len(fields) != NumAttr+2 {
		return w, parseError(s, xerrors.Errorf("expected %d fields, got %d", NumAttr+2, len(fields)))
	}
	for i, f := range fields[2:] {
		v, err := unbindValue(f)
		if err != nil {
			return w, parseError(s, xerrors.Errorf("%s: %w", Attribute(i), err))
		}
		w.Attr[i] = v
	}
	switch w.Attr[Part].String() {
	case "a", "o", "h", "*", "-":
	default:
		return w, parseError(s, xerrors.Errorf("invalid part %q", w.Attr[Part].V))
	}
	return w, nil
}

// ParseTracked parses a CPE declared for a tracked dependency. Vendor and
// product must be concrete.
func ParseTracked(s string) (WFN, error) {
	w, err := Parse(s)
	if err != nil {
		return w, err
	}
	for _, a := range []Attribute{Vendor, Product} {
		if w.Attr[a].Kind != ValueSet {
			return w, parseError(s, xerrors.Errorf("%s must not be a wildcard", a))
		}
	}
	return w, nil
}

// MustParse is Parse for static data. It panics on error.
func MustParse(s string) WFN {
	w, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return w
}

func parseError(s string, err error) error {
	return types.NewError(types.KindCPEParse, "", xerrors.Errorf("cpe %q: %w", s, err))
}

func split(s string) ([]string, error) {
	var fs []string
	prev, esc := 0, false
	for i, r := range s {
		switch {
		case esc:
			esc = false
		case r == '\\':
			esc = true
		case r == ':':
			fs = append(fs, s[prev:i])
			prev = i + 1
		}
	}
	if esc {
		return nil, xerrors.New("dangling escape")
	}
	return append(fs, s[prev:]), nil
}

func unbindValue(s string) (Value, error) {
	switch s {
	case "":
		return Value{}, xerrors.New("empty value")
	case "*":
		return Value{Kind: ValueAny}, nil
	case "-":
		return Value{Kind: ValueNA}, nil
	}
	for _, r := range s {
		if r > unicode.MaxASCII || unicode.IsSpace(r) {
			return Value{}, xerrors.Errorf("invalid character %q", r)
		}
	}
	return Value{Kind: ValueSet, V: strings.ToLower(s)}, nil
}

// Match reports whether subject satisfies pattern attribute by attribute.
// ANY in the pattern matches every subject value and NA only matches NA.
func Match(pattern, subject WFN) bool {
	for i := range pattern.Attr {
		if !matchValue(pattern.Attr[i], subject.Attr[i]) {
			return false
		}
	}
	return true
}

// MatchExceptVersion is Match with the version attribute left to a separate
// range check.
func MatchExceptVersion(pattern, subject WFN) bool {
	for i := range pattern.Attr {
		if Attribute(i) == Version {
			continue
		}
		if !matchValue(pattern.Attr[i], subject.Attr[i]) {
			return false
		}
	}
	return true
}

func matchValue(p, s Value) bool {
	switch p.Kind {
	case ValueAny:
		return true
	case ValueNA:
		return s.Kind == ValueNA
	}
	return s.Kind == ValueSet && p.V == s.V
}
