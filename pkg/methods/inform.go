package methods

import (
	"fmt"
	"time"

	"github.com/codelaboratoryltd/cpesim/pkg/datamodel"
	"github.com/codelaboratoryltd/cpesim/pkg/soap"
)

// Inform event codes.
const (
	EventPeriodic          = "2 PERIODIC"
	EventConnectionRequest = "6 CONNECTION REQUEST"
	EventTransferComplete  = "7 TRANSFER COMPLETE"
)

// deviceIDFields maps DeviceId children to their DeviceInfo parameter.
var deviceIDFields = []struct{ element, param string }{
	{"Manufacturer", "DeviceInfo.Manufacturer"},
	{"OUI", "DeviceInfo.ManufacturerOUI"},
	{"ProductClass", "DeviceInfo.ProductClass"},
	{"SerialNumber", "DeviceInfo.SerialNumber"},
}

// informParams are reported in every Inform when present, under either root.
var informParams = []string{
	"DeviceInfo.SpecVersion",
	"DeviceInfo.HardwareVersion",
	"DeviceInfo.SoftwareVersion",
	"DeviceInfo.ProvisioningCode",
	"ManagementServer.ParameterKey",
	"ManagementServer.ConnectionRequestURL",
	"WANDevice.1.WANConnectionDevice.1.WANPPPConnection.1.ExternalIPAddress",
	"WANDevice.1.WANConnectionDevice.1.WANIPConnection.1.ExternalIPAddress",
}

// Inform builds the session-opening Inform body reporting events, one
// EventStruct each. Missing identity or informable parameters are omitted.
func Inform(tree *datamodel.Tree, events []string, now time.Time) *soap.Element {
	if len(events) == 0 {
		events = []string{EventPeriodic}
	}

	inform := soap.NewElement("cwmp:Inform")

	deviceID := inform.Add("DeviceId")
	for _, f := range deviceIDFields {
		if _, p, ok := tree.Lookup(f.param); ok {
			deviceID.AddText(f.element, p.Value)
		}
	}

	eventList := inform.Add("Event").
		SetAttr("soap-enc:arrayType", arrayType("cwmp:EventStruct", len(events)))
	for _, event := range events {
		eventStruct := eventList.Add("EventStruct")
		eventStruct.AddText("EventCode", event)
		eventStruct.Add("CommandKey")
	}

	inform.AddText("MaxEnvelopes", "1")
	inform.AddText("CurrentTime", now.UTC().Format(time.RFC3339))
	inform.AddText("RetryCount", "0")

	var values []*soap.Element
	for _, suffix := range informParams {
		for _, root := range datamodel.Roots {
			path := root + suffix
			if p, ok := tree.Get(path); ok {
				values = append(values, valueStruct(path, p))
			}
		}
	}
	inform.Add("ParameterList").
		SetAttr("soap-enc:arrayType", arrayType("cwmp:ParameterValueStruct", len(values))).
		Append(values...)

	return inform
}

func valueStruct(path string, p datamodel.Parameter) *soap.Element {
	s := soap.NewElement("ParameterValueStruct")
	s.AddText("Name", path)
	s.AddText("Value", p.Value).SetAttr("xsi:type", xsiType(p.Type))
	return s
}

func xsiType(typ string) string {
	if typ == "" {
		return "xsd:string"
	}
	return typ
}

func arrayType(item string, n int) string {
	return fmt.Sprintf("%s[%d]", item, n)
}
