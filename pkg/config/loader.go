package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/modkernel/pkg/kernel"
)

// Format is a registry file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported registry format: %s", path)
	}
}

// ValidationError describes one problem found in a registry.
type ValidationError struct {
	File    string
	Line    int
	Column  int
	Path    string
	Message string
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// InvalidRegistryError collects every validation problem of a registry.
type InvalidRegistryError struct {
	Errors []ValidationError
}

func (e *InvalidRegistryError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return "invalid registry: " + strings.Join(msgs, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// LoadFile reads, parses and validates a registry file. Relative script and
// journal paths are resolved against the file's directory.
func LoadFile(path string) (*Registry, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	reg, err := Parse(data, format, path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	for i := range reg.Modules {
		if script := reg.Modules[i].Script; script != "" && !filepath.IsAbs(script) {
			reg.Modules[i].Script = filepath.Join(dir, script)
		}
	}
	if j := reg.Kernel.Journal; j != "" && j != ":memory:" && !filepath.IsAbs(j) {
		reg.Kernel.Journal = filepath.Join(dir, j)
	}
	reg.Source = path
	return reg, nil
}

// Parse decodes and validates registry content.
func Parse(data []byte, format Format, filename string) (*Registry, error) {
	var (
		reg Registry
		err error
	)
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&reg)
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&reg)
	case FormatCUE:
		err = parseCUE(data, filename, &reg)
	default:
		return nil, fmt.Errorf("unsupported registry format: %s", format)
	}
	if err != nil {
		var invalid *InvalidRegistryError
		if errors.As(err, &invalid) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to decode %s registry: %w", format, err)
	}

	if err := Validate(&reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// parseCUE unifies the document with the registry schema and decodes the
// concrete result through JSON.
func parseCUE(data []byte, filename string, reg *Registry) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(registrySchema, cue.Filename("registry-schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("failed to compile registry schema: %w", err)
	}

	val := ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return &InvalidRegistryError{Errors: convertCUEErrors(err)}
	}

	unified := schema.LookupPath(cue.ParsePath("#Registry")).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &InvalidRegistryError{Errors: convertCUEErrors(err)}
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, reg)
}

func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

// Validate checks struct constraints and then the dependency graph.
func Validate(reg *Registry) error {
	var problems []ValidationError

	if err := validate.Struct(reg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate registry: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, ValidationError{
				Path:    strings.TrimPrefix(fe.Namespace(), "Registry."),
				Message: describeTag(fe),
			})
		}
	}

	if len(problems) == 0 {
		if _, err := kernel.BuildGraph(reg.Descriptors()); err != nil {
			problems = append(problems, ValidationError{Path: "modules", Message: err.Error()})
		}
	}

	if len(problems) > 0 {
		return &InvalidRegistryError{Errors: problems}
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
