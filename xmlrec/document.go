// Package xmlrec reads and rewrites files holding a sequence of <record>
// elements: OAI-PMH responses, MARCXML collections and the intermediate
// artifacts of the post-processing pipeline.
//
// Records are located by byte range so a file can be rewritten record by
// record while everything outside the records (XML declaration, OAI-PMH
// envelope, resumption token, whitespace) is preserved byte for byte.
package xmlrec

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"golang.org/x/net/html/charset"
)

// Span is the byte range of one top-level record.
type Span struct {
	Start int64
	End   int64
	// Identifier is the OAI header identifier, empty for non-OAI records.
	Identifier string
}

// containers are the elements whose direct <record> children are top-level.
var containers = map[string]bool{
	"collection":  true,
	"ListRecords": true,
	"GetRecord":   true,
}

// Document is a record file held in memory as UTF-8 bytes plus record spans.
type Document struct {
	Data  []byte
	Spans []Span
}

// ReadFile loads and indexes a record file.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Parse indexes data. Non UTF-8 input is transcoded first and its XML
// declaration rewritten, so offsets always refer to UTF-8 bytes.
func Parse(data []byte) (*Document, error) {
	data, err := normalizeEncoding(data)
	if err != nil {
		return nil, err
	}
	spans, err := scan(data)
	if err != nil {
		return nil, err
	}
	return &Document{Data: data, Spans: spans}, nil
}

// Len returns the number of top-level records.
func (d *Document) Len() int {
	return len(d.Spans)
}

// Record returns the raw bytes of record i.
func (d *Document) Record(i int) []byte {
	s := d.Spans[i]
	return d.Data[s.Start:s.End]
}

// Identifiers returns the OAI identifiers of all records in order.
func (d *Document) Identifiers() []string {
	ids := make([]string, len(d.Spans))
	for i, s := range d.Spans {
		ids[i] = s.Identifier
	}
	return ids
}

// Rewrite returns a copy of the document in which each record is replaced by
// fn's result. Returning keep=false drops the record.
func (d *Document) Rewrite(fn func(i int, raw []byte) (out []byte, keep bool)) []byte {
	var buf bytes.Buffer
	buf.Grow(len(d.Data))
	var prev int64
	for i, s := range d.Spans {
		buf.Write(d.Data[prev:s.Start])
		if out, keep := fn(i, d.Data[s.Start:s.End]); keep {
			buf.Write(out)
		}
		prev = s.End
	}
	buf.Write(d.Data[prev:])
	return buf.Bytes()
}

// NewDecoder returns a strict decoder that accepts HTML entities and
// transcodes declared non UTF-8 charsets.
func NewDecoder(r io.Reader) *xml.Decoder {
	d := xml.NewDecoder(r)
	d.Strict = true
	d.Entity = xml.HTMLEntity
	d.CharsetReader = charset.NewReaderLabel
	return d
}

func scan(data []byte) ([]Span, error) {
	d := NewDecoder(bytes.NewReader(data))

	var (
		stack  []string
		spans  []Span
		open   = -1 // index of the span being read, -1 outside a record
		depth  int
		idText strings.Builder
	)
	for {
		off := d.InputOffset()
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xml parse error near offset %d: %w", off, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if open < 0 && t.Name.Local == "record" && (len(stack) == 0 || containers[stack[len(stack)-1]]) {
				spans = append(spans, Span{Start: off})
				open, depth = len(spans)-1, len(stack)
				idText.Reset()
			}
			stack = append(stack, t.Name.Local)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
			if open >= 0 && len(stack) == depth {
				spans[open].End = d.InputOffset()
				spans[open].Identifier = strings.TrimSpace(idText.String())
				open = -1
			}
		case xml.CharData:
			if open >= 0 && len(stack) == depth+3 &&
				stack[depth+1] == "header" && stack[depth+2] == "identifier" {
				idText.Write(t)
			}
		}
	}
	if open >= 0 {
		return nil, errors.New("xml parse error: unterminated record")
	}
	return spans, nil
}

var declEncoding = regexp.MustCompile(`^(\s*<\?xml[^>]*?encoding\s*=\s*["'])([^"']+)(["'])`)

// normalizeEncoding transcodes data to UTF-8 when its declaration names
// another charset.
func normalizeEncoding(data []byte) ([]byte, error) {
	m := declEncoding.FindSubmatchIndex(data)
	if m == nil {
		return data, nil
	}
	label := string(data[m[4]:m[5]])
	if _, name := charset.Lookup(label); name == "utf-8" {
		return data, nil
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q: %w", label, err)
	}
	converted, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("transcode from %q: %w", label, err)
	}
	// The declaration is ASCII in every supported charset, so offsets hold.
	m = declEncoding.FindSubmatchIndex(converted)
	if m == nil {
		return converted, nil
	}
	out := make([]byte, 0, len(converted))
	out = append(out, converted[:m[4]]...)
	out = append(out, "UTF-8"...)
	out = append(out, converted[m[5]:]...)
	return out, nil
}

// TextValues returns every non-empty trimmed text node of a record.
func TextValues(raw []byte) []string {
	d := NewDecoder(bytes.NewReader(raw))
	var out []string
	for {
		tok, err := d.Token()
		if err != nil {
			return out
		}
		if cd, ok := tok.(xml.CharData); ok {
			if v := strings.TrimSpace(string(cd)); v != "" {
				out = append(out, v)
			}
		}
	}
}
