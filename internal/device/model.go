package device

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

type Model uint8

const (
	ModelUnknown Model = iota
	ModelCGS1
	ModelCGS2
	ModelCGDN1
	ModelCGP22C
	ModelCGR1W
	ModelCGR1PW
	modelCount
)

var modelNames = [modelCount]string{
	ModelUnknown: "unknown",
	ModelCGS1:    "CGS1",
	ModelCGS2:    "CGS2",
	ModelCGDN1:   "CGDN1",
	ModelCGP22C:  "CGP22C",
	ModelCGR1W:   "CGR1W",
	ModelCGR1PW:  "CGR1PW",
}

func (m Model) String() string {
	if m < modelCount {
		return modelNames[m]
	}
	return fmt.Sprintf("model(%d)", uint8(m))
}

func ParseModel(s string) (Model, error) {
	for m := ModelCGS1; m < modelCount; m++ {
		if strings.EqualFold(modelNames[m], s) {
			return m, nil
		}
	}
	return ModelUnknown, errors.NotValidf("model=%q", s)
}

func Models() []Model {
	ms := make([]Model, 0, modelCount-1)
	for m := ModelCGS1; m < modelCount; m++ {
		ms = append(ms, m)
	}
	return ms
}

func (m Model) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Model) UnmarshalText(b []byte) error {
	if string(b) == modelNames[ModelUnknown] || len(b) == 0 {
		*m = ModelUnknown
		return nil
	}
	x, err := ParseModel(string(b))
	if err != nil {
		return err
	}
	*m = x
	return nil
}

type WireFormat uint8

const (
	FormatUnknown WireFormat = iota
	FormatJSON
	FormatTLV
)

func (f WireFormat) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatTLV:
		return "tlv"
	}
	return "unknown"
}

func (f WireFormat) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (m Model) Format() WireFormat { return Lookup(m).Format }
