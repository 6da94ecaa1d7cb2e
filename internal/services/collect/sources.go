package collect

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/specto/internal/models"
)

var validateSource = validator.New()

// LoadSources reads every YAML source definition in dir. Files that fail
// to parse or validate are skipped with a warning so one bad definition
// cannot block the rest.
func LoadSources(dir string, logger arbor.ILogger) ([]*models.SourceDefinition, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug().Str("path", dir).Msg("Sources directory not found, no sources loaded")
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources directory: %w", err)
	}

	var sources []*models.SourceDefinition
	seen := make(map[string]string) // name -> file it came from
	skipped := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		source, err := loadSourceFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to load source definition")
			skipped++
			continue
		}

		if prior, dup := seen[source.Name]; dup {
			logger.Warn().
				Str("name", source.Name).
				Str("file", entry.Name()).
				Str("defined_in", prior).
				Msg("Duplicate source name, keeping the first definition")
			skipped++
			continue
		}
		seen[source.Name] = entry.Name()

		sources = append(sources, source)
	}

	logger.Info().
		Int("loaded", len(sources)).
		Int("skipped", skipped).
		Str("dir", dir).
		Msg("Loaded source definitions")

	return sources, nil
}

func loadSourceFile(path string) (*models.SourceDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var source models.SourceDefinition
	if err := yaml.Unmarshal(data, &source); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateSource.Struct(&source); err != nil {
		return nil, fmt.Errorf("invalid source definition: %w", err)
	}

	switch source.Kind {
	case models.SourceKindProducts:
		if len(source.CatalogURLs) == 0 {
			return nil, fmt.Errorf("product source %q has no catalog_urls", source.Name)
		}
	case models.SourceKindVideos:
		if len(source.ChannelIDs) == 0 {
			return nil, fmt.Errorf("video source %q has no channel_ids", source.Name)
		}
	}

	return &source, nil
}
