package properties

import (
	"regexp"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
)

// FuzzExtract feeds arbitrary datasets through the extractor and checks the
// invariants that must hold for any input.
func FuzzExtract(f *testing.F) {
	f.Add([]byte("numericAmount42booleanIsTruetrue"))
	f.Add([]byte{0x01, 0x02, 0x03, 0x04})

	rules := []*regexp.Regexp{regexp.MustCompile(`v-.*`)}

	f.Fuzz(func(t *testing.T, data []byte) {
		c := fuzz.NewConsumer(data)
		n, err := c.GetInt()
		if err != nil {
			return
		}

		ds := Dataset{}
		for i := 0; i < n%16; i++ {
			key, err := c.GetString()
			if err != nil {
				break
			}
			undefined, err := c.GetBool()
			if err != nil {
				break
			}
			if undefined {
				ds[key] = nil
				continue
			}
			value, err := c.GetString()
			if err != nil {
				break
			}
			ds[key] = String(value)
		}

		props := Extract(ds, rules)
		if props == nil {
			t.Fatal("non-nil dataset produced nil properties")
		}
		if _, ok := props[ExcludeKey]; ok {
			t.Fatalf("control key leaked into properties: %v", props)
		}
		if len(props) > len(ds) {
			t.Fatalf("extracted %d properties from %d entries", len(props), len(ds))
		}
	})
}
