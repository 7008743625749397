// Package protocol loads assessment protocols and crisis resources from
// configuration files and validates them at load time, so the triage core
// can assume every queued risk category has a well-formed protocol.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/amicahealth/amica/internal/models"
)

// ErrUnknownCategory indicates a lookup for a risk category with no
// registered protocol.
var ErrUnknownCategory = errors.New("unknown risk category")

// protocolFileSuffix identifies protocol documents inside the config
// directory, e.g. suicidality_protocol.json.
const protocolFileSuffix = "_protocol.json"

// Registry holds the loaded assessment protocols keyed by risk category.
// Immutable after construction and safe for concurrent reads.
type Registry struct {
	protocols map[models.RiskCategory]*models.AssessmentProtocol
}

// NewRegistry builds a registry from already-parsed protocols, validating
// each. Used by tests and embedded configurations.
func NewRegistry(protos ...*models.AssessmentProtocol) (*Registry, error) {
	r := &Registry{protocols: make(map[models.RiskCategory]*models.AssessmentProtocol)}
	for _, p := range protos {
		if err := Validate(p); err != nil {
			return nil, fmt.Errorf("invalid protocol %q: %w", p.AssessmentType, err)
		}
		if _, exists := r.protocols[p.AssessmentType]; exists {
			return nil, fmt.Errorf("duplicate protocol for category %q", p.AssessmentType)
		}
		r.protocols[p.AssessmentType] = p
	}
	return r, nil
}

// LoadDir reads every *_protocol.json document in dir into a registry.
func LoadDir(dir string) (*Registry, error) {
	slog.Debug("protocol.LoadDir: loading protocols", "dir", dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Error("protocol.LoadDir: failed to read protocols directory", "dir", dir, "error", err)
		return nil, fmt.Errorf("failed to read protocols directory %s: %w", dir, err)
	}

	var protos []*models.AssessmentProtocol
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), protocolFileSuffix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		p, err := loadProtocolFile(path)
		if err != nil {
			return nil, err
		}
		protos = append(protos, p)
	}

	registry, err := NewRegistry(protos...)
	if err != nil {
		return nil, err
	}
	slog.Info("protocol.LoadDir: protocols loaded", "dir", dir, "count", len(protos), "categories", registry.Categories())
	return registry, nil
}

func loadProtocolFile(path string) (*models.AssessmentProtocol, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("protocol.loadProtocolFile: failed to read protocol file", "path", path, "error", err)
		return nil, fmt.Errorf("failed to read protocol file %s: %w", path, err)
	}

	var p models.AssessmentProtocol
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Error("protocol.loadProtocolFile: failed to parse protocol file", "path", path, "error", err)
		return nil, fmt.Errorf("failed to parse protocol file %s: %w", path, err)
	}

	// Untyped questions default to open answers.
	for i := range p.Questions {
		if p.Questions[i].Type == "" {
			p.Questions[i].Type = models.QuestionTypeOpen
		}
	}
	return &p, nil
}

// Validate checks structural invariants of a protocol: a non-empty category,
// at least one question, unique question IDs, known question types, and
// dependencies that reference only earlier questions with a non-empty
// required answer.
func Validate(p *models.AssessmentProtocol) error {
	if p.AssessmentType == "" {
		return fmt.Errorf("assessment_type is empty")
	}
	if len(p.Questions) == 0 {
		return fmt.Errorf("protocol has no questions")
	}

	seen := make(map[int]int, len(p.Questions)) // question ID -> position
	for i, q := range p.Questions {
		if q.Text == "" {
			return fmt.Errorf("question %d has empty text", q.ID)
		}
		if !q.Type.Valid() {
			return fmt.Errorf("question %d has invalid type %q", q.ID, q.Type)
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("duplicate question id %d", q.ID)
		}
		seen[q.ID] = i

		if dep := q.DependsOn; dep != nil {
			depPos, ok := seen[dep.QuestionID]
			if !ok {
				return fmt.Errorf("question %d depends on unknown or later question %d", q.ID, dep.QuestionID)
			}
			if depPos >= i {
				return fmt.Errorf("question %d depends on non-earlier question %d", q.ID, dep.QuestionID)
			}
			if dep.RequiredAnswer == "" {
				return fmt.Errorf("question %d dependency has empty required answer", q.ID)
			}
		}
	}
	return nil
}

// Get returns the protocol for a category, or ErrUnknownCategory.
func (r *Registry) Get(category models.RiskCategory) (*models.AssessmentProtocol, error) {
	p, ok := r.protocols[category]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	return p, nil
}

// Has reports whether a protocol is registered for the category.
func (r *Registry) Has(category models.RiskCategory) bool {
	_, ok := r.protocols[category]
	return ok
}

// Categories returns the registered categories in sorted order, so prompts
// built from the list are deterministic.
func (r *Registry) Categories() []models.RiskCategory {
	cats := make([]models.RiskCategory, 0, len(r.protocols))
	for c := range r.protocols {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}
