package datamodel_test

import (
	"sort"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/cpesim/pkg/datamodel"
)

func seedTree() *datamodel.Tree {
	return datamodel.NewTree(map[string]datamodel.Parameter{
		"Device.":                        {},
		"Device.DeviceInfo.":             {},
		"Device.DeviceInfo.SerialNumber": {Value: "SN1", Type: "xsd:string"},
		"Device.Hosts.Host.":             {},
		"Device.Hosts.Host.1.":           {Writable: true},
		"Device.Hosts.Host.1.Active":     {Value: "true", Type: "xsd:boolean"},
		"Device.Hosts.Host.1.IPAddress":  {Value: "10.0.0.2", Type: "xsd:string"},
		"Device.ManagementServer.":       {},
		"Device.ManagementServer.PeriodicInformInterval": {Writable: true, Value: "5", Type: "xsd:unsignedInt"},
		"_cookie": {Value: "private"},
	})
}

// expectedSorted recomputes the sorted addressable key set from scratch.
func expectedSorted(t *datamodel.Tree, candidates []string) []string {
	var out []string
	for _, p := range candidates {
		if t.Has(p) && !strings.HasPrefix(p, "_") {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

var _ = Describe("Tree", func() {
	var tree *datamodel.Tree

	BeforeEach(func() {
		tree = seedTree()
	})

	Describe("Get and Set", func() {
		It("should return seeded parameters", func() {
			p, ok := tree.Get("Device.DeviceInfo.SerialNumber")
			Expect(ok).To(BeTrue())
			Expect(p.Value).To(Equal("SN1"))
			Expect(p.Type).To(Equal("xsd:string"))
		})

		It("should overwrite value and type of existing paths", func() {
			Expect(tree.Set("Device.ManagementServer.PeriodicInformInterval", "60", "xsd:int")).To(Succeed())

			p, _ := tree.Get("Device.ManagementServer.PeriodicInformInterval")
			Expect(p.Value).To(Equal("60"))
			Expect(p.Type).To(Equal("xsd:int"))
			Expect(p.Writable).To(BeTrue())
		})

		It("should refuse to create paths implicitly", func() {
			err := tree.Set("Device.Nope", "1", "xsd:int")
			Expect(err).To(MatchError(datamodel.ErrUnknownParameter))
			Expect(tree.Has("Device.Nope")).To(BeFalse())
		})

		It("should keep the type on SetValue", func() {
			Expect(tree.SetValue("Device.DeviceInfo.SerialNumber", "SN2")).To(Succeed())
			p, _ := tree.Get("Device.DeviceInfo.SerialNumber")
			Expect(p.Value).To(Equal("SN2"))
			Expect(p.Type).To(Equal("xsd:string"))
		})
	})

	Describe("SortedPaths", func() {
		It("should exclude private keys", func() {
			Expect(tree.SortedPaths()).NotTo(ContainElement("_cookie"))
			Expect(tree.Len()).To(Equal(len(tree.SortedPaths()) + 1))
		})

		It("should be sorted", func() {
			Expect(sort.StringsAreSorted(tree.SortedPaths())).To(BeTrue())
		})

		It("should track structural mutations", func() {
			universe := append([]string{}, tree.SortedPaths()...)

			_ = tree.SortedPaths()
			path := tree.CreateInstance("Device.Hosts.Host.", 2)
			tree.Add(path+"Active", datamodel.Parameter{Type: "xsd:boolean", Value: "false"})
			universe = append(universe, path, path+"Active")
			Expect(tree.SortedPaths()).To(Equal(expectedSorted(tree, universe)))

			tree.DeletePrefix("Device.Hosts.Host.1.")
			Expect(tree.SortedPaths()).To(Equal(expectedSorted(tree, universe)))
			Expect(tree.SortedPaths()).NotTo(ContainElement("Device.Hosts.Host.1.Active"))

			tree.DeletePrefix("Device.Nothing.")
			Expect(tree.SortedPaths()).To(Equal(expectedSorted(tree, universe)))
		})
	})

	Describe("PathsWithPrefix", func() {
		It("should return only matching paths in order", func() {
			Expect(tree.PathsWithPrefix("Device.Hosts.")).To(Equal([]string{
				"Device.Hosts.Host.",
				"Device.Hosts.Host.1.",
				"Device.Hosts.Host.1.Active",
				"Device.Hosts.Host.1.IPAddress",
			}))
		})

		It("should return nothing for unknown prefixes", func() {
			Expect(tree.PathsWithPrefix("InternetGatewayDevice.")).To(BeEmpty())
		})
	})

	Describe("NextInstance", func() {
		It("should pick the smallest free instance number", func() {
			Expect(tree.NextInstance("Device.Hosts.Host.")).To(Equal(2))

			tree.CreateInstance("Device.Hosts.Host.", 2)
			tree.CreateInstance("Device.Hosts.Host.", 3)
			Expect(tree.NextInstance("Device.Hosts.Host.")).To(Equal(4))

			tree.DeletePrefix("Device.Hosts.Host.2.")
			Expect(tree.NextInstance("Device.Hosts.Host.")).To(Equal(2))
		})
	})

	Describe("Lookup", func() {
		It("should prefer the Device root", func() {
			t := datamodel.NewTree(map[string]datamodel.Parameter{
				"Device.DeviceInfo.Manufacturer":                {Value: "new"},
				"InternetGatewayDevice.DeviceInfo.Manufacturer": {Value: "legacy"},
			})
			path, p, ok := t.Lookup("DeviceInfo.Manufacturer")
			Expect(ok).To(BeTrue())
			Expect(path).To(Equal("Device.DeviceInfo.Manufacturer"))
			Expect(p.Value).To(Equal("new"))
		})

		It("should fall back to InternetGatewayDevice", func() {
			t := datamodel.NewTree(map[string]datamodel.Parameter{
				"InternetGatewayDevice.DeviceInfo.Manufacturer": {Value: "legacy"},
			})
			_, p, ok := t.Lookup("DeviceInfo.Manufacturer")
			Expect(ok).To(BeTrue())
			Expect(p.Value).To(Equal("legacy"))
		})
	})

	Describe("Snapshot", func() {
		It("should copy parameters under a prefix", func() {
			snap := tree.Snapshot("Device.DeviceInfo.")
			Expect(snap).To(HaveLen(2))
			Expect(snap).To(HaveKey("Device.DeviceInfo.SerialNumber"))
		})
	})
})
