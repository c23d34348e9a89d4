package xmlrec

import (
	"bytes"
	"encoding/xml"
	"errors"
	"sort"
)

// ErrNotMARC is returned by ParseMARC for records without MARC fields.
var ErrNotMARC = errors.New("record is not MARCXML")

// Record is a MARCXML bibliographic record.
type Record struct {
	XMLName       xml.Name       `xml:"record"`
	Leader        string         `xml:"leader,omitempty"`
	ControlFields []ControlField `xml:"controlfield"`
	DataFields    []DataField    `xml:"datafield"`
}

// ControlField is a MARC 00X field.
type ControlField struct {
	Tag   string `xml:"tag,attr"`
	Value string `xml:",chardata"`
}

// DataField is a MARC variable data field.
type DataField struct {
	Tag       string     `xml:"tag,attr"`
	Ind1      string     `xml:"ind1,attr"`
	Ind2      string     `xml:"ind2,attr"`
	Subfields []Subfield `xml:"subfield"`
}

// Subfield is one coded value of a data field.
type Subfield struct {
	Code  string `xml:"code,attr"`
	Value string `xml:",chardata"`
}

// NewField builds a data field with blank indicators from code/value pairs.
func NewField(tag string, pairs ...string) DataField {
	f := DataField{Tag: tag, Ind1: " ", Ind2: " "}
	for i := 0; i+1 < len(pairs); i += 2 {
		f.Subfields = append(f.Subfields, Subfield{Code: pairs[i], Value: pairs[i+1]})
	}
	return f
}

// Value returns the first subfield with code, or "".
func (f DataField) Value(code string) string {
	for _, s := range f.Subfields {
		if s.Code == code {
			return s.Value
		}
	}
	return ""
}

// Values returns every subfield value with code.
func (f DataField) Values(code string) []string {
	var out []string
	for _, s := range f.Subfields {
		if s.Code == code {
			out = append(out, s.Value)
		}
	}
	return out
}

// ParseMARC decodes one raw <record>.
func ParseMARC(raw []byte) (*Record, error) {
	var r Record
	if err := NewDecoder(bytes.NewReader(raw)).Decode(&r); err != nil {
		return nil, err
	}
	if r.Leader == "" && len(r.ControlFields) == 0 && len(r.DataFields) == 0 {
		return nil, ErrNotMARC
	}
	return &r, nil
}

// Marshal encodes the record without an XML declaration.
func (r *Record) Marshal() ([]byte, error) {
	r.XMLName = xml.Name{Local: "record"}
	return xml.Marshal(r)
}

// ControlValue returns the value of control field tag, or "".
func (r *Record) ControlValue(tag string) string {
	for _, f := range r.ControlFields {
		if f.Tag == tag {
			return f.Value
		}
	}
	return ""
}

// Fields returns the data fields with tag in record order.
func (r *Record) Fields(tag string) []DataField {
	var out []DataField
	for _, f := range r.DataFields {
		if f.Tag == tag {
			out = append(out, f)
		}
	}
	return out
}

// RemoveFields deletes every data field whose tag is listed and reports how many went.
func (r *Record) RemoveFields(tags ...string) int {
	drop := make(map[string]bool, len(tags))
	for _, t := range tags {
		drop[t] = true
	}
	kept := r.DataFields[:0]
	for _, f := range r.DataFields {
		if !drop[f.Tag] {
			kept = append(kept, f)
		}
	}
	n := len(r.DataFields) - len(kept)
	r.DataFields = kept
	return n
}

// AddField inserts f after the last field with a tag <= f.Tag.
func (r *Record) AddField(f DataField) {
	i := sort.Search(len(r.DataFields), func(i int) bool { return r.DataFields[i].Tag > f.Tag })
	r.DataFields = append(r.DataFields, DataField{})
	copy(r.DataFields[i+1:], r.DataFields[i:])
	r.DataFields[i] = f
}
