package decoder

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"price-ingest/internal/models"
	"price-ingest/internal/profile"
)

// storeFields may appear once per document outside the product records and
// apply to every record that follows
var storeFields = map[profile.Field]bool{
	profile.FieldStoreCode:       true,
	profile.FieldStoreAddress:    true,
	profile.FieldStoreCity:       true,
	profile.FieldStorePostalCode: true,
	profile.FieldStoreType:       true,
	profile.FieldObservedDate:    true,
}

type xmlElement struct {
	name     string
	text     strings.Builder
	children []string
}

// xmlReader streams record elements out of a document. Leaf elements and
// attributes are mapped to canonical fields through the profile aliases.
type xmlReader struct {
	member  string
	p       *profile.Profile
	dec     *xml.Decoder
	context map[profile.Field]string
	stack   []*xmlElement
	records int
}

func newXMLReader(m Member, p *profile.Profile) *xmlReader {
	text := DecodeText(m.Data, p.Encoding)
	dec := xml.NewDecoder(strings.NewReader(text))
	dec.Strict = false
	// The text is already UTF-8 whatever the prolog declares.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }

	return &xmlReader{
		member:  m.Name,
		p:       p,
		dec:     dec,
		context: make(map[profile.Field]string),
	}
}

func (x *xmlReader) Next() (Row, error) {
	for {
		tok, err := x.dec.Token()
		if errors.Is(err, io.EOF) {
			if x.records == 0 {
				return Row{}, &models.SchemaMismatch{
					Member:  x.member,
					Missing: []string{"<" + x.p.XML.Record + ">"},
				}
			}
			return Row{}, io.EOF
		}
		if err != nil {
			return Row{}, fmt.Errorf("%s: %w", x.member, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if strings.EqualFold(t.Name.Local, x.p.XML.Record) {
				line, _ := x.dec.InputPos()
				fields, err := x.readRecord(t)
				if err != nil {
					return Row{}, err
				}
				if x.records == 0 {
					if missing := x.missing(fields); len(missing) > 0 {
						return Row{}, &models.SchemaMismatch{Member: x.member, Missing: fieldNames(missing)}
					}
				}
				x.records++
				return Row{Member: x.member, Line: line, Fields: fields}, nil
			}
			x.stack = append(x.stack, &xmlElement{name: t.Name.Local})
			x.attrs(t, x.context, true)
		case xml.CharData:
			if n := len(x.stack); n > 0 {
				x.stack[n-1].text.Write(t)
			}
		case xml.EndElement:
			if n := len(x.stack); n > 0 {
				el := x.stack[n-1]
				x.stack = x.stack[:n-1]
				value := el.value()
				if f, ok := x.p.FieldFor(el.name); ok && storeFields[f] && value != "" {
					x.context[f] = value
				}
			}
		}
	}
}

// readRecord consumes tokens up to the end of the record element
func (x *xmlReader) readRecord(start xml.StartElement) (map[profile.Field]string, error) {
	fields := make(map[profile.Field]string)
	x.attrs(start, fields, false)

	var stack []*xmlElement
	for {
		tok, err := x.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%s: inside <%s>: %w", x.member, start.Name.Local, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, &xmlElement{name: t.Name.Local})
			x.attrs(t, fields, false)
		case xml.CharData:
			if n := len(stack); n > 0 {
				stack[n-1].text.Write(t)
			}
		case xml.EndElement:
			n := len(stack)
			if n == 0 {
				for f, v := range x.context {
					if _, ok := fields[f]; !ok {
						fields[f] = v
					}
				}
				return fields, nil
			}
			el := stack[n-1]
			stack = stack[:n-1]
			value := el.value()
			if f, ok := x.p.FieldFor(el.name); ok {
				if _, seen := fields[f]; !seen || fields[f] == "" {
					fields[f] = value
				}
			} else if n > 1 && value != "" {
				parent := stack[n-2]
				parent.children = append(parent.children, value)
			}
		}
	}
}

func (x *xmlReader) attrs(el xml.StartElement, into map[profile.Field]string, storeOnly bool) {
	for _, a := range el.Attr {
		f, ok := x.p.FieldFor(a.Name.Local)
		if !ok || (storeOnly && !storeFields[f]) {
			continue
		}
		if v := strings.TrimSpace(a.Value); v != "" {
			into[f] = v
		}
	}
}

func (x *xmlReader) missing(fields map[profile.Field]string) []profile.Field {
	var out []profile.Field
	for _, f := range x.p.Required {
		if _, ok := fields[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}

func (x *xmlReader) Close() error { return nil }

// value is the element's own text, or its unmapped children joined
func (e *xmlElement) value() string {
	if v := strings.TrimSpace(e.text.String()); v != "" {
		return v
	}
	return strings.Join(e.children, ", ")
}
