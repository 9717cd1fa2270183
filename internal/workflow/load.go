package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/qsched/qsched/internal/errors"
)

var validate = validator.New()

// Document is a workflow definition file.
type Document struct {
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Tasks []Task `json:"tasks" yaml:"tasks"`
}

// Format is the encoding of a workflow document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the document format from the file extension.
// Anything that is not .json is read as YAML.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// LoadFile reads and validates a workflow document.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}
	doc, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if doc.Name == "" {
		doc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return doc, nil
}

// Parse decodes and validates a workflow document.
func Parse(data []byte, format Format) (*Document, error) {
	var doc Document
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parsing workflow: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing workflow: %w", err)
		}
	}
	if err := ValidateTasks(doc.Tasks); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ValidateTasks checks field constraints on every task. Graph problems
// (duplicates, cycles) are left to the orderer.
func ValidateTasks(tasks []Task) error {
	for i := range tasks {
		if err := validate.Struct(tasks[i]); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid task at index %d", i)).
				WithField(tasks[i].ID).
				WithCause(err)
		}
	}
	return nil
}

// DefaultPipeline returns the built-in five-stage demo workflow.
func DefaultPipeline() []Task {
	return []Task{
		{
			ID:          "data-collection",
			Name:        "Data Collection",
			Status:      StatusIdle,
			Description: "Gather input datasets from upstream sources",
			Duration:    Float(2000),
			Priority:    Int(5),
		},
		{
			ID:          "quantum-processing",
			Name:        "Quantum Processing",
			Status:      StatusIdle,
			Description: "Run the quantum circuit over the collected data",
			DependsOn:   []string{"data-collection"},
			Duration:    Float(5000),
			Quantum:     true,
			Priority:    Int(10),
		},
		{
			ID:          "ml-analysis",
			Name:        "ML Analysis",
			Status:      StatusIdle,
			Description: "Train and score models on the collected data",
			DependsOn:   []string{"data-collection"},
			Duration:    Float(3000),
			Priority:    Int(7),
		},
		{
			ID:          "ai-optimization",
			Name:        "AI Optimization",
			Status:      StatusIdle,
			Description: "Combine quantum and model outputs into a plan",
			DependsOn:   []string{"quantum-processing", "ml-analysis"},
			Duration:    Float(2500),
			Quantum:     true,
			Priority:    Int(8),
		},
		{
			ID:          "validation",
			Name:        "Validation",
			Status:      StatusIdle,
			Description: "Check the plan against the original constraints",
			DependsOn:   []string{"ai-optimization"},
			Duration:    Float(1500),
			Priority:    Int(6),
		},
	}
}
