package methods

import (
	"fmt"
	"strconv"

	"github.com/codelaboratoryltd/cpesim/pkg/soap"
)

// CWMP fault codes used by the simulator.
const (
	FaultMethodNotSupported   = 9000
	FaultInvalidArguments     = 9003
	FaultInvalidParameterName = 9005
	FaultDownloadFailure      = 9010
	FaultFileTransfer         = 9016
)

// Fault is a CWMP fault carried in a SOAP Fault body.
type Fault struct {
	Code   int
	String string
}

// MethodNotSupported is the fault sent for a method with no handler.
func MethodNotSupported() *Fault {
	return &Fault{Code: FaultMethodNotSupported, String: "Method not supported"}
}

// InvalidArguments is the fault sent for a request with malformed arguments.
func InvalidArguments() *Fault {
	return &Fault{Code: FaultInvalidArguments, String: "Invalid arguments"}
}

// InvalidParameterName is the fault sent for a malformed object or
// parameter name.
func InvalidParameterName() *Fault {
	return &Fault{Code: FaultInvalidParameterName, String: "Invalid parameter name"}
}

func (f *Fault) Error() string {
	return fmt.Sprintf("cwmp fault %d: %s", f.Code, f.String)
}

// Element renders the fault as a soap-env:Fault body.
func (f *Fault) Element() *soap.Element {
	el := soap.NewElement("soap-env:Fault")
	el.AddText("faultcode", "Client")
	el.AddText("faultstring", "CWMP fault")
	detail := el.Add("detail").Add("cwmp:Fault")
	detail.AddText("FaultCode", strconv.Itoa(f.Code))
	detail.AddText("FaultString", f.String)
	return el
}
