package custody

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"

	"github.com/jmcleod/ironca/internal/util"
)

// Type is the TTLV item type byte.
type Type uint8

const (
	TypeStructure   Type = 0x01
	TypeInteger     Type = 0x02
	TypeEnumeration Type = 0x05
	TypeBoolean     Type = 0x06
	TypeTextString  Type = 0x07
	TypeByteString  Type = 0x08
	TypeDateTime    Type = 0x09
)

func (t Type) String() string {
	switch t {
	case TypeStructure:
		return "Structure"
	case TypeInteger:
		return "Integer"
	case TypeEnumeration:
		return "Enumeration"
	case TypeBoolean:
		return "Boolean"
	case TypeTextString:
		return "TextString"
	case TypeByteString:
		return "ByteString"
	case TypeDateTime:
		return "DateTime"
	default:
		return fmt.Sprintf("Type(0x%02x)", uint8(t))
	}
}

const (
	headerLen = 8
	alignment = 8
	// maxDepth bounds structure nesting on both encode and decode.
	maxDepth = 16
)

// ErrMalformedMessage is returned for any TTLV input that does not follow
// the encoding rules.
var ErrMalformedMessage = errors.New("malformed custody message")

// Item is one node of a TTLV tree. Only the field matching Type is
// meaningful.
type Item struct {
	Tag      Tag
	Type     Type
	Int      int64
	Bool     bool
	Text     string
	Bytes    []byte
	Time     time.Time
	Children []Item
}

// Structure returns a structure item holding children in order.
func Structure(tag Tag, children ...Item) Item {
	return Item{Tag: tag, Type: TypeStructure, Children: children}
}

// Integer returns a 32-bit signed integer item.
func Integer(tag Tag, v int32) Item {
	return Item{Tag: tag, Type: TypeInteger, Int: int64(v)}
}

// Enum returns a 32-bit enumeration item.
func Enum[E ~uint32](tag Tag, v E) Item {
	return Item{Tag: tag, Type: TypeEnumeration, Int: int64(v)}
}

// Boolean returns a boolean item.
func Boolean(tag Tag, v bool) Item {
	return Item{Tag: tag, Type: TypeBoolean, Bool: v}
}

// Text returns a UTF-8 text string item.
func Text(tag Tag, s string) Item {
	return Item{Tag: tag, Type: TypeTextString, Text: s}
}

// ByteString returns an opaque byte string item.
func ByteString(tag Tag, b []byte) Item {
	return Item{Tag: tag, Type: TypeByteString, Bytes: b}
}

// DateTime returns a date-time item with one-second resolution.
func DateTime(tag Tag, t time.Time) Item {
	return Item{Tag: tag, Type: TypeDateTime, Time: t.UTC().Truncate(time.Second)}
}

// Child returns the first direct child carrying tag.
func (it Item) Child(tag Tag) (Item, bool) {
	for _, c := range it.Children {
		if c.Tag == tag {
			return c, true
		}
	}
	return Item{}, false
}

func (it Item) child(tag Tag, typ Type) (Item, error) {
	c, ok := it.Child(tag)
	if !ok {
		return Item{}, fmt.Errorf("%w: missing 0x%06x in 0x%06x", ErrMalformedMessage, uint32(tag), uint32(it.Tag))
	}
	if c.Type != typ {
		return Item{}, fmt.Errorf("%w: 0x%06x is %v, want %v", ErrMalformedMessage, uint32(tag), c.Type, typ)
	}
	return c, nil
}

func (it Item) optionalChild(tag Tag, typ Type) (Item, bool, error) {
	if _, ok := it.Child(tag); !ok {
		return Item{}, false, nil
	}
	c, err := it.child(tag, typ)
	return c, err == nil, err
}

func (it Item) text(tag Tag) (string, error) {
	c, err := it.child(tag, TypeTextString)
	return c.Text, err
}

func (it Item) enum(tag Tag) (uint32, error) {
	c, err := it.child(tag, TypeEnumeration)
	return uint32(c.Int), err
}

func (it Item) integer(tag Tag) (int32, error) {
	c, err := it.child(tag, TypeInteger)
	return int32(c.Int), err
}

func (it Item) bytes(tag Tag) ([]byte, error) {
	c, err := it.child(tag, TypeByteString)
	return c.Bytes, err
}

// Marshal encodes it in TTLV form.
func Marshal(it Item) ([]byte, error) {
	if err := it.validate(0); err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	addItem(b, it)
	return b.Bytes()
}

func (it Item) validate(depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrMalformedMessage, maxDepth)
	}
	if !it.Tag.valid() {
		return fmt.Errorf("%w: tag 0x%06x out of range", ErrMalformedMessage, uint32(it.Tag))
	}
	switch it.Type {
	case TypeStructure:
		for _, c := range it.Children {
			if err := c.validate(depth + 1); err != nil {
				return err
			}
		}
	case TypeInteger:
		if int64(int32(it.Int)) != it.Int {
			return fmt.Errorf("%w: integer %d overflows 32 bits", ErrMalformedMessage, it.Int)
		}
	case TypeEnumeration:
		if int64(uint32(it.Int)) != it.Int {
			return fmt.Errorf("%w: enumeration %d overflows 32 bits", ErrMalformedMessage, it.Int)
		}
	case TypeTextString:
		if !utf8.ValidString(it.Text) {
			return fmt.Errorf("%w: text is not UTF-8", ErrMalformedMessage)
		}
	case TypeBoolean, TypeByteString, TypeDateTime:
	default:
		return fmt.Errorf("%w: unknown type %v", ErrMalformedMessage, it.Type)
	}
	return nil
}

func addItem(b *cryptobyte.Builder, it Item) {
	b.AddUint24(uint32(it.Tag))
	b.AddUint8(uint8(it.Type))
	switch it.Type {
	case TypeStructure:
		b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, c := range it.Children {
				addItem(b, c)
			}
		})
	case TypeInteger, TypeEnumeration:
		b.AddUint32(4)
		b.AddUint32(uint32(it.Int))
		b.AddUint32(0)
	case TypeBoolean:
		b.AddUint32(8)
		if it.Bool {
			b.AddUint64(1)
		} else {
			b.AddUint64(0)
		}
	case TypeDateTime:
		b.AddUint32(8)
		b.AddUint64(uint64(it.Time.Unix()))
	case TypeTextString:
		addPadded(b, []byte(it.Text))
	case TypeByteString:
		addPadded(b, it.Bytes)
	}
}

func addPadded(b *cryptobyte.Builder, value []byte) {
	b.AddUint32(uint32(len(value)))
	b.AddBytes(value)
	b.AddBytes(make([]byte, util.PadLength(len(value), alignment)))
}

// Unmarshal decodes exactly one TTLV item from data.
func Unmarshal(data []byte) (Item, error) {
	s := cryptobyte.String(data)
	it, err := readItem(&s, 0)
	if err != nil {
		return Item{}, err
	}
	if !s.Empty() {
		return Item{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, len(s))
	}
	return it, nil
}

func readItem(s *cryptobyte.String, depth int) (Item, error) {
	if depth > maxDepth {
		return Item{}, fmt.Errorf("%w: nesting deeper than %d", ErrMalformedMessage, maxDepth)
	}
	var (
		tag    uint32
		typ    uint8
		length uint32
	)
	if !s.ReadUint24(&tag) || !s.ReadUint8(&typ) || !s.ReadUint32(&length) {
		return Item{}, fmt.Errorf("%w: truncated item header", ErrMalformedMessage)
	}
	it := Item{Tag: Tag(tag), Type: Type(typ)}
	if !it.Tag.valid() {
		return Item{}, fmt.Errorf("%w: tag 0x%06x out of range", ErrMalformedMessage, tag)
	}
	if uint64(length) > uint64(len(*s)) {
		return Item{}, fmt.Errorf("%w: 0x%06x truncated", ErrMalformedMessage, tag)
	}

	var value cryptobyte.String
	switch it.Type {
	case TypeStructure:
		if length%alignment != 0 || !s.ReadBytes((*[]byte)(&value), int(length)) {
			return Item{}, fmt.Errorf("%w: structure 0x%06x has bad length %d", ErrMalformedMessage, tag, length)
		}
		for !value.Empty() {
			c, err := readItem(&value, depth+1)
			if err != nil {
				return Item{}, err
			}
			it.Children = append(it.Children, c)
		}
		return it, nil
	case TypeInteger, TypeEnumeration:
		var v, pad uint32
		if length != 4 || !s.ReadUint32(&v) || !s.ReadUint32(&pad) {
			return Item{}, fmt.Errorf("%w: 0x%06x has bad length %d", ErrMalformedMessage, tag, length)
		}
		if pad != 0 {
			return Item{}, fmt.Errorf("%w: 0x%06x has non-zero padding", ErrMalformedMessage, tag)
		}
		if it.Type == TypeInteger {
			it.Int = int64(int32(v))
		} else {
			it.Int = int64(v)
		}
		return it, nil
	case TypeBoolean, TypeDateTime:
		var v uint64
		if length != 8 || !s.ReadUint64(&v) {
			return Item{}, fmt.Errorf("%w: 0x%06x has bad length %d", ErrMalformedMessage, tag, length)
		}
		if it.Type == TypeDateTime {
			it.Time = time.Unix(int64(v), 0).UTC()
			return it, nil
		}
		if v > 1 {
			return Item{}, fmt.Errorf("%w: boolean 0x%06x holds %d", ErrMalformedMessage, tag, v)
		}
		it.Bool = v == 1
		return it, nil
	case TypeTextString, TypeByteString:
		var pad []byte
		if !s.ReadBytes((*[]byte)(&value), int(length)) ||
			!s.ReadBytes(&pad, util.PadLength(int(length), alignment)) {
			return Item{}, fmt.Errorf("%w: 0x%06x truncated", ErrMalformedMessage, tag)
		}
		for _, p := range pad {
			if p != 0 {
				return Item{}, fmt.Errorf("%w: 0x%06x has non-zero padding", ErrMalformedMessage, tag)
			}
		}
		if it.Type == TypeByteString {
			it.Bytes = util.CopyBytes([]byte(value))
			return it, nil
		}
		if !utf8.Valid([]byte(value)) {
			return Item{}, fmt.Errorf("%w: text 0x%06x is not UTF-8", ErrMalformedMessage, tag)
		}
		it.Text = string(value)
		return it, nil
	default:
		return Item{}, fmt.Errorf("%w: unknown type 0x%02x", ErrMalformedMessage, typ)
	}
}
