package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/amicahealth/amica/internal/models"
)

// CrisisResourcesFileName is the expected crisis-resource document name
// inside the protocols directory.
const CrisisResourcesFileName = "crisis_resources.json"

// LoadCrisisResources reads the crisis-resource lookup from path. The
// document is a JSON object keyed by risk category, plus an optional
// "general" fallback bundle.
func LoadCrisisResources(path string) (map[string]models.CrisisResourceSet, error) {
	slog.Debug("protocol.LoadCrisisResources: loading crisis resources", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("protocol.LoadCrisisResources: failed to read resources file", "path", path, "error", err)
		return nil, fmt.Errorf("failed to read crisis resources %s: %w", path, err)
	}

	var sets map[string]models.CrisisResourceSet
	if err := json.Unmarshal(data, &sets); err != nil {
		slog.Error("protocol.LoadCrisisResources: failed to parse resources file", "path", path, "error", err)
		return nil, fmt.Errorf("failed to parse crisis resources %s: %w", path, err)
	}

	slog.Info("protocol.LoadCrisisResources: crisis resources loaded", "path", path, "categories", len(sets))
	return sets, nil
}
