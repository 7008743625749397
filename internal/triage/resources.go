package triage

import (
	"fmt"
	"strings"

	"github.com/amicahealth/amica/internal/models"
)

// generalResourceKey is the fallback bundle used when no category-specific
// crisis resources are configured.
const generalResourceKey = "general"

// ResourceDirectory maps risk categories to crisis-resource bundles and
// renders them as user-facing text. Immutable after construction.
type ResourceDirectory struct {
	sets map[string]models.CrisisResourceSet
}

// NewResourceDirectory wraps a loaded crisis-resource lookup.
func NewResourceDirectory(sets map[string]models.CrisisResourceSet) *ResourceDirectory {
	if sets == nil {
		sets = map[string]models.CrisisResourceSet{}
	}
	return &ResourceDirectory{sets: sets}
}

func (d *ResourceDirectory) lookup(category models.RiskCategory) (models.CrisisResourceSet, bool) {
	if set, ok := d.sets[string(category)]; ok {
		return set, true
	}
	set, ok := d.sets[generalResourceKey]
	return set, ok
}

// FormatFull renders the complete crisis bundle for a category: the
// immediate-action line followed by every resource with its contact details.
// Falls back to the general bundle, then to a built-in emergency line, so a
// crisis response always includes something actionable.
func (d *ResourceDirectory) FormatFull(category models.RiskCategory) string {
	set, ok := d.lookup(category)
	if !ok {
		return "If you are in immediate danger, please call your local emergency number right away."
	}

	var b strings.Builder
	if set.Title != "" {
		b.WriteString(set.Title + "\n\n")
	}
	if set.ImmediateAction != "" {
		b.WriteString(set.ImmediateAction + "\n\n")
	}
	for _, r := range set.Resources {
		b.WriteString("- " + r.Name)
		if r.Phone != "" {
			b.WriteString(": " + r.Phone)
		} else if r.Contact != "" {
			b.WriteString(": " + r.Contact)
		}
		if r.Availability != "" {
			fmt.Fprintf(&b, " (%s)", r.Availability)
		}
		b.WriteString("\n")
		if r.Description != "" {
			b.WriteString("  " + r.Description + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatSummary renders a short one-or-two line pointer to the category's
// primary resource, for non-crisis outcomes where support is offered without
// interrupting the conversation.
func (d *ResourceDirectory) FormatSummary(category models.RiskCategory) string {
	set, ok := d.lookup(category)
	if !ok || len(set.Resources) == 0 {
		return ""
	}
	r := set.Resources[0]
	contact := r.Phone
	if contact == "" {
		contact = r.Contact
	}
	if contact == "" {
		return fmt.Sprintf("If you ever want extra support, %s is there for you.", r.Name)
	}
	return fmt.Sprintf("If you ever want extra support, %s is there for you at %s.", r.Name, contact)
}
