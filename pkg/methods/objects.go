package methods

import (
	"context"
	"strconv"
	"strings"

	"github.com/codelaboratoryltd/cpesim/pkg/datamodel"
	"github.com/codelaboratoryltd/cpesim/pkg/soap"
)

// UnknownTime is the CWMP representation of an unset dateTime.
const UnknownTime = "0001-01-01T00:00:00Z"

// AddObject creates a new instance of a multi-instance object. The instance
// number is the lowest free one; the new instance gets a copy of every
// parameter found under existing instances, reset to its type default.
func AddObject(_ context.Context, tree *datamodel.Tree, req *soap.Element) (*soap.Element, error) {
	object := req.ChildText("ObjectName")
	if !datamodel.IsObject(object) {
		return nil, InvalidParameterName()
	}

	n := tree.NextInstance(object)
	instance := object + strconv.Itoa(n)

	for _, p := range tree.PathsWithPrefix(object) {
		rest := p[len(object):]
		i := strings.IndexByte(rest, '.')
		if i < 0 {
			continue
		}
		src, _ := tree.Get(p)
		tree.Add(instance+rest[i:], datamodel.Parameter{
			Writable: src.Writable,
			Type:     src.Type,
			Value:    defaultValue(src.Type),
		})
	}
	tree.CreateInstance(object, n)

	if err := updateParameterKey(tree, req); err != nil {
		return nil, err
	}

	resp := soap.NewElement("cwmp:AddObjectResponse")
	resp.AddText("InstanceNumber", strconv.Itoa(n))
	resp.AddText("Status", "0")
	return resp, nil
}

// DeleteObject removes every path starting with ObjectName. Deleting an
// absent instance succeeds.
func DeleteObject(_ context.Context, tree *datamodel.Tree, req *soap.Element) (*soap.Element, error) {
	object := req.ChildText("ObjectName")
	if object == "" {
		return nil, InvalidParameterName()
	}

	tree.DeletePrefix(object)

	if err := updateParameterKey(tree, req); err != nil {
		return nil, err
	}

	resp := soap.NewElement("cwmp:DeleteObjectResponse")
	resp.AddText("Status", "0")
	return resp, nil
}

func defaultValue(typ string) string {
	switch strings.TrimPrefix(typ, "xsd:") {
	case "boolean":
		return "false"
	case "int", "unsignedInt", "long", "unsignedLong":
		return "0"
	case "dateTime":
		return UnknownTime
	default:
		return ""
	}
}
