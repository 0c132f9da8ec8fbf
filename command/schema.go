package command

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ParamSchema is a compiled JSON schema for a command's params object.
type ParamSchema struct {
	schema *gojsonschema.Schema
}

// CompileSchema compiles a JSON schema document.
func CompileSchema(doc string) (*ParamSchema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("command: compile schema: %w", err)
	}
	return &ParamSchema{schema: s}, nil
}

// MustCompileSchema is CompileSchema for schemas fixed at build time.
func MustCompileSchema(doc string) *ParamSchema {
	s, err := CompileSchema(doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Check validates params. Missing params validate as an empty object.
// Failures are CodedErrors with code invalid_params.
func (p *ParamSchema) Check(params []byte) error {
	if p == nil {
		return nil
	}
	if len(params) == 0 {
		params = []byte("{}")
	}
	res, err := p.schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return Errorf(CodeInvalidParams, "%v", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return &CodedError{Code: CodeInvalidParams, Message: strings.Join(msgs, "; ")}
}
