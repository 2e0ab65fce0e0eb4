// Package flows holds the catalog of multi-step dialogs the bot can run.
package flows

import (
	_ "embed"
	"fmt"
	"path/filepath"
	"strings"

	"legalbot/m/v2/app/models"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalog []byte

type InputKind string

const (
	InputText   InputKind = "text"
	InputFile   InputKind = "file"
	InputButton InputKind = "button"
	InputAuto   InputKind = "auto"
)

type OracleKind string

const (
	OracleNone    OracleKind = ""
	OracleLLM     OracleKind = "llm"
	OraclePayment OracleKind = "payment"
)

const MaxFileSize = 5 << 20

type Option struct {
	Value string `yaml:"value"`
	Title string `yaml:"title"`
}

type Step struct {
	Field      string     `yaml:"field"`
	Input      InputKind  `yaml:"input"`
	Prompt     string     `yaml:"prompt"`
	Validate   string     `yaml:"validate"`
	Options    []Option   `yaml:"options"`
	Extensions []string   `yaml:"extensions"`
	Oracle     OracleKind `yaml:"oracle"`
	Template   string     `yaml:"template"`
	Output     string     `yaml:"output"`
}

type Flow struct {
	ID     string        `yaml:"id"`
	Title  string        `yaml:"title"`
	Action models.Action `yaml:"action"`
	Result string        `yaml:"result"`
	Record bool          `yaml:"record"`
	Rate   bool          `yaml:"rate"`
	Steps  []Step        `yaml:"steps"`
}

type Registry struct {
	flows map[string]*Flow
	order []string
}

var validate = validator.New()

// Default returns the registry built from the embedded catalog.
func Default() *Registry {
	r, err := Load(catalog)
	if err != nil {
		panic(fmt.Sprintf("flows: embedded catalog is invalid: %v", err))
	}
	return r
}

// Load parses and checks a catalog document.
func Load(data []byte) (*Registry, error) {
	var doc struct {
		Flows []*Flow `yaml:"flows"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("Load: failed to parse catalog: %w", err)
	}
	r := &Registry{flows: map[string]*Flow{}}
	for _, f := range doc.Flows {
		if err := f.check(); err != nil {
			return nil, fmt.Errorf("Load: flow %q: %w", f.ID, err)
		}
		if _, dup := r.flows[f.ID]; dup {
			return nil, fmt.Errorf("Load: duplicate flow %q", f.ID)
		}
		r.flows[f.ID] = f
		r.order = append(r.order, f.ID)
	}
	return r, nil
}

func (r *Registry) Lookup(id string) (*Flow, bool) {
	f, ok := r.flows[id]
	return f, ok
}

// Flows lists the catalog in declaration order.
func (r *Registry) Flows() []*Flow {
	out := make([]*Flow, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.flows[id])
	}
	return out
}

func (f *Flow) check() error {
	if f.ID == "" || f.Action == "" {
		return fmt.Errorf("id and action are required")
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("no steps")
	}
	produced := map[string]bool{}
	for i, s := range f.Steps {
		switch s.Input {
		case InputText, InputFile, InputAuto:
		case InputButton:
			if len(s.Options) == 0 {
				return fmt.Errorf("step %d: button step without options", i)
			}
		default:
			return fmt.Errorf("step %d: unknown input %q", i, s.Input)
		}
		switch s.Oracle {
		case OracleNone:
		case OracleLLM, OraclePayment:
			if s.Output == "" {
				return fmt.Errorf("step %d: oracle step without output", i)
			}
			produced[s.Output] = true
		default:
			return fmt.Errorf("step %d: unknown oracle %q", i, s.Oracle)
		}
		if s.Input == InputAuto && s.Oracle == OracleNone {
			return fmt.Errorf("step %d: auto step must call an oracle", i)
		}
		if s.Field == "" {
			return fmt.Errorf("step %d: field is required", i)
		}
		produced[s.Field] = true
	}
	if f.Rate && !f.Record {
		return fmt.Errorf("only recorded flows can be rated")
	}
	if !produced[f.Result] {
		return fmt.Errorf("result %q is not produced by any step", f.Result)
	}
	return nil
}

// Accepts reports whether an event of the given kind is the input this step waits for.
func (s Step) Accepts(kind models.EventKind) bool {
	switch s.Input {
	case InputText:
		return kind == models.EventText
	case InputFile:
		return kind == models.EventFile
	case InputButton:
		return kind == models.EventButton
	}
	return false
}

func (s Step) Option(value string) (Option, bool) {
	for _, o := range s.Options {
		if o.Value == value {
			return o, true
		}
	}
	return Option{}, false
}

// Check validates a text value or a button choice against the step rules.
func (s Step) Check(value string) error {
	switch s.Input {
	case InputButton:
		if _, ok := s.Option(value); !ok {
			return fmt.Errorf("%w: unknown option %q", models.ErrValidation, value)
		}
	case InputText:
		if s.Validate == "" {
			return nil
		}
		if err := validate.Var(strings.TrimSpace(value), s.Validate); err != nil {
			return fmt.Errorf("%w: %v", models.ErrValidation, err)
		}
	}
	return nil
}

// CheckFile validates an uploaded file name and size.
func (s Step) CheckFile(file *models.File) error {
	if file == nil || len(file.Data) == 0 {
		return fmt.Errorf("%w: empty file", models.ErrValidation)
	}
	if len(file.Data) > MaxFileSize {
		return fmt.Errorf("%w: file is larger than %d bytes", models.ErrValidation, MaxFileSize)
	}
	if len(s.Extensions) == 0 {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(file.Name))
	for _, allowed := range s.Extensions {
		if ext == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s files are not supported", models.ErrValidation, ext)
}
