// Package methods implements the CWMP RPCs a simulated CPE serves. Each
// handler maps the device tree and an inbound request body to the response
// body, mutating the tree where the method demands it.
package methods

import (
	"context"
	"sort"

	"github.com/codelaboratoryltd/cpesim/pkg/datamodel"
	"github.com/codelaboratoryltd/cpesim/pkg/soap"
)

// CWMP method names.
const (
	MethodInform             = "Inform"
	MethodGetRPCMethods      = "GetRPCMethods"
	MethodGetParameterNames  = "GetParameterNames"
	MethodGetParameterValues = "GetParameterValues"
	MethodSetParameterValues = "SetParameterValues"
	MethodAddObject          = "AddObject"
	MethodDeleteObject       = "DeleteObject"
	MethodDownload           = "Download"
	MethodTransferComplete   = "TransferComplete"
)

// Handler serves one ACS-initiated RPC.
type Handler interface {
	Handle(ctx context.Context, tree *datamodel.Tree, req *soap.Element) (*soap.Element, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tree *datamodel.Tree, req *soap.Element) (*soap.Element, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, tree *datamodel.Tree, req *soap.Element) (*soap.Element, error) {
	return f(ctx, tree, req)
}

// Registry is the dispatch table from method name to handler.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns a registry holding the synchronous parameter and
// object methods. Download needs a completion sink and is registered by the
// owner of the pending queue.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register(MethodGetParameterNames, HandlerFunc(GetParameterNames))
	r.Register(MethodGetParameterValues, HandlerFunc(GetParameterValues))
	r.Register(MethodSetParameterValues, HandlerFunc(SetParameterValues))
	r.Register(MethodAddObject, HandlerFunc(AddObject))
	r.Register(MethodDeleteObject, HandlerFunc(DeleteObject))
	r.Register(MethodGetRPCMethods, HandlerFunc(r.getRPCMethods))
	return r
}

// Register binds a handler to a method name, replacing any previous one.
func (r *Registry) Register(method string, h Handler) {
	r.handlers[method] = h
}

// Lookup returns the handler for method.
func (r *Registry) Lookup(method string) (Handler, bool) {
	h, ok := r.handlers[method]
	return h, ok
}

// Methods returns the registered method names in sorted order.
func (r *Registry) Methods() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) getRPCMethods(_ context.Context, _ *datamodel.Tree, _ *soap.Element) (*soap.Element, error) {
	names := r.Methods()
	resp := soap.NewElement("cwmp:GetRPCMethodsResponse")
	list := resp.Add("MethodList").SetAttr("soap-enc:arrayType", arrayType("xsd:string", len(names)))
	for _, name := range names {
		list.AddText("string", name)
	}
	return resp, nil
}
