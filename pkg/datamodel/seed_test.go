package datamodel_test

import (
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/cpesim/pkg/datamodel"
)

const wideCSV = `Device.DeviceInfo.SerialNumber,Device.ManagementServer.PeriodicInformInterval,Device.Hosts.Host.
0|xsd:string|SN1,1|xsd:unsignedInt|300,1||
"0|xsd:string|SN|2",1|xsd:unsignedInt|60,
`

var _ = Describe("Seed loading", func() {
	Describe("ParseCell", func() {
		It("should split writable, type and value", func() {
			p, err := datamodel.ParseCell("1|xsd:string|a|b")
			Expect(err).NotTo(HaveOccurred())
			Expect(p).To(Equal(datamodel.Parameter{Writable: true, Type: "xsd:string", Value: "a|b"}))
		})

		It("should accept bare writable flags for objects", func() {
			p, err := datamodel.ParseCell("false")
			Expect(err).NotTo(HaveOccurred())
			Expect(p).To(Equal(datamodel.Parameter{}))
		})

		It("should reject bad writable flags", func() {
			_, err := datamodel.ParseCell("yes|xsd:string|x")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("ParseCSV", func() {
		It("should produce one map per device row", func() {
			devices, err := datamodel.ParseCSV(strings.NewReader(wideCSV))
			Expect(err).NotTo(HaveOccurred())
			Expect(devices).To(HaveLen(2))

			Expect(devices[0]["Device.DeviceInfo.SerialNumber"].Value).To(Equal("SN1"))
			Expect(devices[0]["Device.ManagementServer.PeriodicInformInterval"].Writable).To(BeTrue())
			Expect(devices[0]).To(HaveKey("Device.Hosts.Host."))

			Expect(devices[1]["Device.DeviceInfo.SerialNumber"].Value).To(Equal("SN|2"))
			Expect(devices[1]).NotTo(HaveKey("Device.Hosts.Host."))
		})

		It("should tolerate rows shorter or longer than the header", func() {
			devices, err := datamodel.ParseCSV(strings.NewReader(
				"Device.DeviceInfo.SerialNumber,Device.DeviceInfo.Manufacturer\n" +
					"0|xsd:string|SN1\n" +
					"0|xsd:string|SN2,0|xsd:string|Acme,0|xsd:string|extra\n"))
			Expect(err).NotTo(HaveOccurred())
			Expect(devices).To(HaveLen(2))

			Expect(devices[0]).To(HaveLen(1))
			Expect(devices[0]["Device.DeviceInfo.SerialNumber"].Value).To(Equal("SN1"))

			Expect(devices[1]).To(HaveLen(2))
			Expect(devices[1]["Device.DeviceInfo.Manufacturer"].Value).To(Equal("Acme"))
		})

		It("should fail without data rows", func() {
			_, err := datamodel.ParseCSV(strings.NewReader("Device.A\n"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("ParseYAML", func() {
		It("should read positional triples", func() {
			params, err := datamodel.ParseYAML(strings.NewReader(`
Device.DeviceInfo.SerialNumber: [false, SN1, "xsd:string"]
Device.ManagementServer.PeriodicInformInterval: [true, 5, "xsd:unsignedInt"]
Device.Hosts.Host.: [true]
`))
			Expect(err).NotTo(HaveOccurred())
			Expect(params).To(HaveLen(3))
			Expect(params["Device.ManagementServer.PeriodicInformInterval"]).To(Equal(
				datamodel.Parameter{Writable: true, Value: "5", Type: "xsd:unsignedInt"}))
			Expect(params["Device.Hosts.Host."].Writable).To(BeTrue())
		})
	})

	Describe("LoadFile", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
		})

		It("should select a device row from CSV", func() {
			path := filepath.Join(dir, "model.csv")
			Expect(os.WriteFile(path, []byte(wideCSV), 0o600)).To(Succeed())

			params, err := datamodel.LoadFile(path, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(params["Device.ManagementServer.PeriodicInformInterval"].Value).To(Equal("60"))

			_, err = datamodel.LoadFile(path, 5)
			Expect(err).To(MatchError(ContainSubstring("out of range")))
		})

		It("should reject unknown extensions", func() {
			path := filepath.Join(dir, "model.txt")
			Expect(os.WriteFile(path, []byte("x"), 0o600)).To(Succeed())
			_, err := datamodel.LoadFile(path, 0)
			Expect(err).To(MatchError(ContainSubstring("unsupported")))
		})
	})
})
