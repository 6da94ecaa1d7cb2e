package inference

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
)

// NewExtractor creates the configured feature extractor. The local
// provider is refused in production: deterministic stand-in features
// would silently poison real match results.
func NewExtractor(config *common.Config, logger arbor.ILogger) (interfaces.FeatureExtractor, error) {
	switch config.Inference.Provider {
	case "remote":
		return NewRemoteExtractor(&config.Inference, logger)
	case "local", "":
		if config.IsProduction() {
			return nil, fmt.Errorf("the local inference provider is not allowed in production")
		}
		logger.Info().
			Int("dimension", config.Inference.EmbeddingDim).
			Int("max_keypoints", config.Inference.MaxKeypoints).
			Msg("Using local deterministic feature extractor")
		return NewLocalExtractor(config.Inference.EmbeddingDim, config.Inference.MaxKeypoints, logger), nil
	default:
		return nil, fmt.Errorf("unsupported inference provider: %s", config.Inference.Provider)
	}
}
