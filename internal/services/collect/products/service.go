package products

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
	"github.com/ternarybob/specto/internal/services/collect"
)

// Service collects products from catalog sources: it scrapes listing and
// detail pages, downloads the product images, persists the rows, and
// announces the image batch on the bus. The announcement drives the
// pipeline; a source with nothing to collect still announces a zero
// batch so downstream stages complete immediately.
type Service struct {
	storage   interfaces.StorageManager
	publisher interfaces.Publisher
	media     *collect.MediaStore
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	maxBody   int64
	allowTest bool
	logger    arbor.ILogger
}

// NewService creates the product collector. The page fetcher and the
// media store share one rate limiter so a run stays inside a single
// request budget per source host.
func NewService(config *common.Config, storage interfaces.StorageManager, publisher interfaces.Publisher, logger arbor.ILogger) (*Service, error) {
	settings := config.Collect.Products
	timeout := common.ParseDurationOr(settings.RequestTimeout, 30*time.Second)

	perSecond := settings.RatePerSecond
	if perSecond <= 0 {
		perSecond = 2
	}
	burst := settings.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)

	maxBody := int64(settings.MaxBodySize)
	if maxBody <= 0 {
		maxBody = 10 * 1024 * 1024
	}

	media, err := collect.NewMediaStore(config.Storage.Filesystem.Images, maxBody, settings.UserAgent, timeout, limiter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create image store: %w", err)
	}

	return &Service{
		storage:   storage,
		publisher: publisher,
		media:     media,
		client:    &http.Client{Timeout: timeout},
		limiter:   limiter,
		userAgent: settings.UserAgent,
		maxBody:   maxBody,
		allowTest: config.AllowTestURLs(),
		logger:    logger,
	}, nil
}

// Kind reports which source kind this collector serves.
func (s *Service) Kind() models.SourceKind {
	return models.SourceKindProducts
}

// Collect runs one collection for the source and returns the job id.
func (s *Service) Collect(ctx context.Context, source *models.SourceDefinition, trigger string) (string, error) {
	if source.Kind != models.SourceKindProducts {
		return "", fmt.Errorf("source %s is not a product source", source.Name)
	}

	job := &models.Job{
		ID:         common.NewJobID(),
		SourceName: source.Name,
		Trigger:    trigger,
		Status:     models.JobStatusRunning,
		StartedAt:  time.Now(),
	}
	if err := s.storage.Jobs().Store(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create job record: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("source", source.Name).
		Str("trigger", trigger).
		Msg("Product collection started")

	imageEvents, productCount, err := s.run(ctx, job, source)
	if err != nil {
		job.Status = models.JobStatusFailed
		job.Error = err.Error()
		if storeErr := s.storage.Jobs().Store(ctx, job); storeErr != nil {
			s.logger.Error().Err(storeErr).Str("job_id", job.ID).Msg("Failed to record job failure")
		}
		return job.ID, err
	}

	job.ProductCount = productCount
	job.ImageCount = len(imageEvents)
	if err := s.storage.Jobs().Store(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to update job counts")
	}

	batch := models.ImagesReadyBatchEvent{
		JobID:       job.ID,
		EventID:     common.NewEventID(),
		TotalImages: len(imageEvents),
	}
	if err := s.publisher.Publish(ctx, models.TopicImagesReadyBatch, batch, job.ID); err != nil {
		return job.ID, fmt.Errorf("failed to announce image batch: %w", err)
	}

	for _, event := range imageEvents {
		if err := s.publisher.Publish(ctx, models.TopicImageReady, event, job.ID); err != nil {
			return job.ID, fmt.Errorf("failed to publish image event: %w", err)
		}
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Int("products", productCount).
		Int("images", len(imageEvents)).
		Msg("Product collection finished")

	return job.ID, nil
}

// run scrapes every catalog URL of the source. Individual page and image
// failures are logged and skipped; the run fails only when nothing could
// be collected and at least one catalog was unreachable.
func (s *Service) run(ctx context.Context, job *models.Job, source *models.SourceDefinition) ([]models.ImageReadyEvent, int, error) {
	parser := NewPageParser(source.Selectors, s.logger)

	var events []models.ImageReadyEvent
	productCount := 0
	catalogErrors := 0

	maxProducts := source.MaxProducts
	if maxProducts <= 0 {
		maxProducts = 100
	}

	for _, catalogURL := range source.CatalogURLs {
		if err := common.ValidateSourceURL(catalogURL, s.allowTest); err != nil {
			return nil, 0, err
		}

		html, err := s.fetchPage(ctx, catalogURL)
		if err != nil {
			catalogErrors++
			s.logger.Error().
				Err(err).
				Str("job_id", job.ID).
				Str("url", catalogURL).
				Msg("Failed to fetch catalog page")
			continue
		}

		links, err := parser.ProductLinks(html, catalogURL)
		if err != nil {
			catalogErrors++
			s.logger.Error().
				Err(err).
				Str("job_id", job.ID).
				Str("url", catalogURL).
				Msg("Failed to parse catalog page")
			continue
		}

		for _, link := range links {
			if productCount >= maxProducts {
				s.logger.Info().
					Str("job_id", job.ID).
					Int("max_products", maxProducts).
					Msg("Product limit reached, stopping collection")
				return events, productCount, nil
			}

			productEvents, err := s.collectProduct(ctx, job, source, parser, link)
			if err != nil {
				s.logger.Warn().
					Err(err).
					Str("job_id", job.ID).
					Str("url", link).
					Msg("Skipping product page")
				continue
			}
			productCount++
			events = append(events, productEvents...)
		}
	}

	if productCount == 0 && catalogErrors > 0 {
		return nil, 0, fmt.Errorf("no products collected: %d catalog page(s) failed", catalogErrors)
	}
	return events, productCount, nil
}

// collectProduct scrapes one product detail page, downloads its images,
// and persists the product and asset rows.
func (s *Service) collectProduct(ctx context.Context, job *models.Job, source *models.SourceDefinition, parser *PageParser, pageURL string) ([]models.ImageReadyEvent, error) {
	html, err := s.fetchPage(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	parsed, err := parser.ParseProduct(html, pageURL)
	if err != nil {
		return nil, err
	}

	product := &models.Product{
		ID:                  common.NewProductID(),
		JobID:               job.ID,
		SourceName:          source.Name,
		SourceID:            parsed.SourceID,
		Title:               parsed.Title,
		Brand:               parsed.Brand,
		DescriptionMarkdown: parsed.DescriptionMarkdown,
		PriceCents:          parsed.PriceCents,
		Currency:            parsed.Currency,
		URL:                 parsed.URL,
		CollectedAt:         time.Now(),
	}

	var events []models.ImageReadyEvent
	for _, imageURL := range parsed.ImageURLs {
		stored, err := s.media.Download(ctx, imageURL, job.ID, pageURL)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("job_id", job.ID).
				Str("url", imageURL).
				Msg("Skipping product image")
			continue
		}

		asset := &models.Asset{
			ID:        common.NewAssetID(),
			JobID:     job.ID,
			Type:      models.AssetTypeImage,
			OwnerID:   product.ID,
			LocalPath: stored.LocalPath,
			SourceURL: imageURL,
		}
		if err := s.storage.Assets().Store(ctx, asset); err != nil {
			return nil, fmt.Errorf("failed to save asset: %w", err)
		}

		product.ImageAssetIDs = append(product.ImageAssetIDs, asset.ID)
		events = append(events, models.ImageReadyEvent{
			JobID:     job.ID,
			ProductID: product.ID,
			AssetID:   asset.ID,
			LocalPath: stored.LocalPath,
		})
	}

	if err := s.storage.Products().Store(ctx, product); err != nil {
		return nil, fmt.Errorf("failed to save product: %w", err)
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("product_id", product.ID).
		Str("title", product.Title).
		Int("images", len(product.ImageAssetIDs)).
		Msg("Product collected")

	return events, nil
}

func (s *Service) fetchPage(ctx context.Context, pageURL string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch returned HTTP %d", resp.StatusCode)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if contentType != "" && !strings.Contains(contentType, "html") && !strings.Contains(contentType, "text") {
		return "", fmt.Errorf("not an HTML page: %s", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	if err != nil {
		return "", fmt.Errorf("read failed: %w", err)
	}
	if int64(len(body)) > s.maxBody {
		return "", fmt.Errorf("page exceeds %d bytes", s.maxBody)
	}

	return string(body), nil
}
