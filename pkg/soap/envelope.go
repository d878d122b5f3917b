package soap

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// Namespace URIs bound to the fixed CWMP prefixes.
const (
	NamespaceSoapEnc = "http://schemas.xmlsoap.org/soap/encoding/"
	NamespaceSoapEnv = "http://schemas.xmlsoap.org/soap/envelope/"
	NamespaceXSD     = "http://www.w3.org/2001/XMLSchema"
	NamespaceXSI     = "http://www.w3.org/2001/XMLSchema-instance"
	NamespaceCWMP    = "urn:dslforum-org:cwmp-1-0"

	cwmpNamespacePrefix = "urn:dslforum-org:cwmp-"
)

// ContentType is sent with every non-empty envelope.
const ContentType = `text/xml; charset="utf-8"`

// ErrMalformedEnvelope is returned when a body is not a SOAP envelope.
var ErrMalformedEnvelope = errors.New("malformed SOAP envelope")

var namespaces = []struct{ prefix, uri string }{
	{"soap-enc", NamespaceSoapEnc},
	{"soap-env", NamespaceSoapEnv},
	{"xsd", NamespaceXSD},
	{"xsi", NamespaceXSI},
	{"cwmp", NamespaceCWMP},
}

// Envelope is a CWMP message: the cwmp:ID header plus a single body element.
type Envelope struct {
	ID   string
	Body *Element
}

// NewEnvelope creates an envelope carrying body under request ID id.
func NewEnvelope(id string, body *Element) *Envelope {
	return &Envelope{ID: id, Body: body}
}

// Method returns the local name of the body element.
func (e *Envelope) Method() string {
	if e == nil || e.Body == nil {
		return ""
	}
	return e.Body.LocalName()
}

// IsFault reports whether the body is a SOAP Fault.
func (e *Envelope) IsFault() bool {
	return e.Method() == "Fault"
}

// Fault extracts the CWMP fault code and string from a SOAP Fault body.
func (e *Envelope) Fault() (code, message string, ok bool) {
	if !e.IsFault() {
		return "", "", false
	}
	detail := e.Body.Child("detail").Child("Fault")
	if detail == nil {
		return "", e.Body.ChildText("faultstring"), true
	}
	return detail.ChildText("FaultCode"), detail.ChildText("FaultString"), true
}

// Marshal renders the envelope with the fixed CWMP namespace prefixes.
func (e *Envelope) Marshal() ([]byte, error) {
	root := NewElement("soap-env:Envelope")
	for _, ns := range namespaces {
		root.SetAttr("xmlns:"+ns.prefix, ns.uri)
	}
	root.Add("soap-env:Header").
		AddText("cwmp:ID", e.ID).
		SetAttr("soap-env:mustUnderstand", "1")
	body := root.Add("soap-env:Body")
	if e.Body != nil {
		body.Append(e.Body)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := encodeElement(enc, root); err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeElement(enc *xml.Encoder, e *Element) error {
	start := xml.StartElement{Name: e.Name, Attr: e.Attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if e.Text != "" {
		if err := enc.EncodeToken(xml.CharData(e.Text)); err != nil {
			return err
		}
	}
	for _, c := range e.Children {
		if err := encodeElement(enc, c); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// Parse decodes an ACS message. An empty or whitespace-only payload yields
// a nil envelope and no error: it is how the ACS closes a session. A
// qualified body element must be a SOAP Fault or belong to a CWMP
// namespace of any version.
func Parse(data []byte) (*Envelope, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	root, err := parseTree(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if root.Name.Local != "Envelope" {
		return nil, fmt.Errorf("%w: root element %q", ErrMalformedEnvelope, root.Name.Local)
	}

	env := &Envelope{}
	if id := root.Child("Header").Child("ID"); id != nil {
		env.ID = strings.TrimSpace(id.Text)
	}
	body := root.Child("Body")
	if body == nil {
		return nil, fmt.Errorf("%w: missing Body", ErrMalformedEnvelope)
	}
	if len(body.Children) > 0 {
		env.Body = body.Children[0]
		if ns := env.Body.Name.Space; ns != "" && ns != NamespaceSoapEnv && !IsCWMPNamespace(ns) {
			return nil, fmt.Errorf("%w: body element %s in namespace %q", ErrMalformedEnvelope, env.Body.Name.Local, ns)
		}
	}
	return env, nil
}

// IsCWMPNamespace reports whether uri is any CWMP schema version.
func IsCWMPNamespace(uri string) bool {
	return strings.HasPrefix(uri, cwmpNamespacePrefix)
}

func parseTree(data []byte) (*Element, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel

	var (
		root  *Element
		stack []*Element
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			el := &Element{Name: t.Name, Attrs: t.Copy().Attr}
			if len(stack) == 0 {
				if root != nil {
					return nil, errors.New("multiple root elements")
				}
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, el)
			}
			stack = append(stack, el)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, errors.New("unbalanced end element")
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("no root element")
	}
	if len(stack) != 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return root, nil
}
