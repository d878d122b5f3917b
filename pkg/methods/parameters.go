package methods

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/codelaboratoryltd/cpesim/pkg/datamodel"
	"github.com/codelaboratoryltd/cpesim/pkg/soap"
)

// GetParameterNames lists the paths under ParameterPath. With NextLevel set
// only the direct children of the path are returned.
func GetParameterNames(_ context.Context, tree *datamodel.Tree, req *soap.Element) (*soap.Element, error) {
	path := req.ChildText("ParameterPath")
	nextLevel, err := parseBool(req.ChildText("NextLevel"))
	if err != nil {
		return nil, fmt.Errorf("invalid NextLevel: %w", err)
	}

	var infos []*soap.Element
	for _, p := range tree.PathsWithPrefix(path) {
		if nextLevel && !isDirectChild(path, p) {
			continue
		}
		param, _ := tree.Get(p)
		info := soap.NewElement("ParameterInfoStruct")
		info.AddText("Name", p)
		info.AddText("Writable", strconv.FormatBool(param.Writable))
		infos = append(infos, info)
	}

	resp := soap.NewElement("cwmp:GetParameterNamesResponse")
	resp.Add("ParameterList").
		SetAttr("soap-enc:arrayType", arrayType("cwmp:ParameterInfoStruct", len(infos))).
		Append(infos...)
	return resp, nil
}

// isDirectChild reports whether p sits exactly one level below parent: a
// leaf directly under it, or an object whose only separator past the
// parent is its trailing dot.
func isDirectChild(parent, p string) bool {
	if len(p) <= len(parent)+1 {
		return false
	}
	rest := p[len(parent)+1:]
	i := strings.IndexByte(rest, '.')
	return i == -1 || i == len(rest)-1
}

// GetParameterValues returns the value and type of every requested name.
// A name ending in "." expands to every leaf beneath it. Absent names are
// reported as ErrUnknownParameter.
func GetParameterValues(_ context.Context, tree *datamodel.Tree, req *soap.Element) (*soap.Element, error) {
	var values []*soap.Element
	for _, n := range req.Child("ParameterNames").Children {
		name := strings.TrimSpace(n.Text)

		if !datamodel.IsObject(name) {
			p, ok := tree.Get(name)
			if !ok {
				return nil, fmt.Errorf("get %s: %w", name, datamodel.ErrUnknownParameter)
			}
			values = append(values, valueStruct(name, p))
			continue
		}

		matched := 0
		for _, path := range tree.PathsWithPrefix(name) {
			if datamodel.IsObject(path) {
				continue
			}
			p, _ := tree.Get(path)
			values = append(values, valueStruct(path, p))
			matched++
		}
		if matched == 0 {
			return nil, fmt.Errorf("get %s: %w", name, datamodel.ErrUnknownParameter)
		}
	}

	resp := soap.NewElement("cwmp:GetParameterValuesResponse")
	resp.Add("ParameterList").
		SetAttr("soap-enc:arrayType", arrayType("cwmp:ParameterValueStruct", len(values))).
		Append(values...)
	return resp, nil
}

// SetParameterValues overwrites each listed parameter. The type comes from
// the xsi:type of the Value element; without one the stored type is kept.
// Status is always 0.
func SetParameterValues(_ context.Context, tree *datamodel.Tree, req *soap.Element) (*soap.Element, error) {
	for _, s := range req.Child("ParameterList").Children {
		name := s.ChildText("Name")
		value := s.Child("Value")

		var err error
		if typ, ok := value.Attr("type"); ok {
			err = tree.Set(name, textOf(value), typ)
		} else {
			err = tree.SetValue(name, textOf(value))
		}
		if err != nil {
			return nil, err
		}
	}
	if err := updateParameterKey(tree, req); err != nil {
		return nil, err
	}

	resp := soap.NewElement("cwmp:SetParameterValuesResponse")
	resp.AddText("Status", "0")
	return resp, nil
}

// updateParameterKey records the ParameterKey of a configuration-changing
// request in ManagementServer.ParameterKey, if the device has one.
func updateParameterKey(tree *datamodel.Tree, req *soap.Element) error {
	key := req.Child("ParameterKey")
	if key == nil {
		return nil
	}
	path, _, ok := tree.Lookup("ManagementServer.ParameterKey")
	if !ok {
		return nil
	}
	return tree.SetValue(path, strings.TrimSpace(key.Text))
}

func textOf(el *soap.Element) string {
	if el == nil {
		return ""
	}
	return el.Text
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}
