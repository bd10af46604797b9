package dump1090_test

import (
	jsoniter "github.com/json-iterator/go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/flight-collector/pkg/dump1090"
)

var _ = Describe("Squawk", func() {
	json := jsoniter.ConfigCompatibleWithStandardLibrary

	DescribeTable("decoding",
		func(raw string, want dump1090.Squawk) {
			var s dump1090.Squawk
			Expect(json.Unmarshal([]byte(raw), &s)).To(Succeed())
			Expect(s).To(Equal(want))
		},
		Entry("number", "1170", dump1090.Squawk(1170)),
		Entry("quoted string", `"7500"`, dump1090.Squawk(7500)),
		Entry("empty string", `""`, dump1090.Squawk(0)),
		Entry("null", "null", dump1090.Squawk(0)),
	)

	It("should reject non-numeric codes", func() {
		var s dump1090.Squawk
		Expect(json.Unmarshal([]byte(`"ab12"`), &s)).NotTo(Succeed())
	})
})
