// Package soap encodes and decodes the SOAP 1.1 envelopes exchanged with a
// CWMP ACS as a small element tree.
package soap

import (
	"encoding/xml"
	"strings"
)

// Element is a node of an XML document.
//
// Elements built locally carry their qualified name ("cwmp:Inform") in
// Name.Local and are written verbatim. Elements produced by Parse carry the
// resolved namespace URI in Name.Space and the bare local name in
// Name.Local.
type Element struct {
	Name     xml.Name
	Attrs    []xml.Attr
	Text     string
	Children []*Element
}

// NewElement creates an element with a possibly prefixed name.
func NewElement(name string) *Element {
	return &Element{Name: xml.Name{Local: name}}
}

// Add appends a new child element and returns it.
func (e *Element) Add(name string) *Element {
	child := NewElement(name)
	e.Children = append(e.Children, child)
	return child
}

// AddText appends a child holding text and returns the child.
func (e *Element) AddText(name, text string) *Element {
	return e.Add(name).SetText(text)
}

// Append adds existing elements as children.
func (e *Element) Append(children ...*Element) *Element {
	e.Children = append(e.Children, children...)
	return e
}

// SetText replaces the element text.
func (e *Element) SetText(text string) *Element {
	e.Text = text
	return e
}

// SetAttr sets an attribute written with the given qualified name.
func (e *Element) SetAttr(name, value string) *Element {
	for i := range e.Attrs {
		if e.Attrs[i].Name.Local == name && e.Attrs[i].Name.Space == "" {
			e.Attrs[i].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
	return e
}

// LocalName returns the element name without namespace or prefix.
func (e *Element) LocalName() string {
	return localPart(e.Name.Local)
}

// Child returns the first child whose local name matches.
func (e *Element) Child(local string) *Element {
	if e == nil {
		return nil
	}
	for _, c := range e.Children {
		if c.LocalName() == local {
			return c
		}
	}
	return nil
}

// ChildText returns the trimmed text of the first matching child, or "".
func (e *Element) ChildText(local string) string {
	c := e.Child(local)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Text)
}

// Attr returns the value of the first attribute whose local name matches,
// regardless of namespace.
func (e *Element) Attr(local string) (string, bool) {
	if e == nil {
		return "", false
	}
	for _, a := range e.Attrs {
		if localPart(a.Name.Local) == local {
			return a.Value, true
		}
	}
	return "", false
}

func localPart(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}
