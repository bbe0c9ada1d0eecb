package deployment

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
)

// Marshaller renders status documents into reply bodies
type Marshaller interface {
	Marshal(v any) ([]byte, error)
	ContentType() string
}

// JSONMarshaller renders documents as JSON
type JSONMarshaller struct{}

func (JSONMarshaller) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONMarshaller) ContentType() string { return "application/json" }

// XMLMarshaller renders documents as XML with a declaration header
type XMLMarshaller struct{}

func (XMLMarshaller) Marshal(v any) ([]byte, error) {
	body, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

func (XMLMarshaller) ContentType() string { return "application/xml" }

// NewMarshaller returns the marshaller for a configured document format
func NewMarshaller(format string) (Marshaller, error) {
	switch format {
	case "", "json":
		return JSONMarshaller{}, nil
	case "xml":
		return XMLMarshaller{}, nil
	default:
		return nil, fmt.Errorf("unsupported document format %q", format)
	}
}

// PackagesDocument lists installed packages
type PackagesDocument struct {
	XMLName  xml.Name          `json:"-" xml:"packages"`
	Packages []PackageDocument `json:"packages" xml:"package"`
}

// PackageDocument is one installed package and its modules
type PackageDocument struct {
	Name    string           `json:"name" xml:"name"`
	Version string           `json:"version" xml:"version"`
	Modules []ModuleDocument `json:"modules" xml:"modules>module"`
}

// ModuleDocument is a module of an installed package
type ModuleDocument struct {
	ID      int64  `json:"id" xml:"id"`
	Name    string `json:"name" xml:"name"`
	Version string `json:"version" xml:"version"`
}

// ModulesDocument lists runtime modules with their state
type ModulesDocument struct {
	XMLName xml.Name      `json:"-" xml:"modules"`
	Modules []ModuleState `json:"modules" xml:"module"`
}

// ModuleState is a runtime module and its lifecycle state
type ModuleState struct {
	ID      int64  `json:"id" xml:"id"`
	Name    string `json:"name" xml:"name"`
	Version string `json:"version" xml:"version"`
	Package string `json:"package,omitempty" xml:"package,omitempty"`
	State   string `json:"state" xml:"state"`
}
