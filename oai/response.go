package oai

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pithecene-io/oaiharvest/xmlrec"
)

// OAI-PMH error codes with special handling.
const (
	CodeNoRecordsMatch = "noRecordsMatch"
	CodeIDDoesNotExist = "idDoesNotExist"
)

// Error is an <error> element returned by a repository.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("OAI-PMH error (%s): %s", e.Code, e.Message)
}

// pageInfo is what the harvester needs from one response page.
type pageInfo struct {
	token   string
	records int
	err     *Error
}

// inspectPage streams a response page for its error, token and record count.
func inspectPage(body []byte) (pageInfo, error) {
	d := xmlrec.NewDecoder(bytes.NewReader(body))

	var (
		info  pageInfo
		stack []string
		text  strings.Builder
		root  bool
	)
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return pageInfo{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) == 0 {
				if t.Name.Local != "OAI-PMH" {
					return pageInfo{}, fmt.Errorf("root element is <%s>, want <OAI-PMH>", t.Name.Local)
				}
				root = true
			}
			if len(stack) == 1 && t.Name.Local == "error" && info.err == nil {
				info.err = &Error{}
				for _, a := range t.Attr {
					if a.Name.Local == "code" {
						info.err.Code = a.Value
					}
				}
			}
			if len(stack) == 2 && t.Name.Local == "record" {
				info.records++
			}
			stack = append(stack, t.Name.Local)
			text.Reset()
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			switch {
			case len(stack) == 2 && t.Name.Local == "error" && info.err != nil && info.err.Message == "":
				info.err.Message = strings.TrimSpace(text.String())
			case len(stack) == 3 && t.Name.Local == "resumptionToken":
				info.token = strings.TrimSpace(text.String())
			}
			stack = stack[:len(stack)-1]
		}
	}
	if !root {
		return pageInfo{}, errors.New("empty response")
	}
	return info, nil
}
