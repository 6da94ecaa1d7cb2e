package models

// SourceKind identifies what a configured source collects.
type SourceKind string

const (
	SourceKindProducts SourceKind = "products"
	SourceKindVideos   SourceKind = "videos"
)

// SourceDefinition is one entry loaded from the sources YAML directory.
// Product sources are catalog pages scraped over HTTP; video sources are
// channels fetched from a platform API.
type SourceDefinition struct {
	Name     string     `yaml:"name" json:"name" validate:"required"`
	Kind     SourceKind `yaml:"kind" json:"kind" validate:"required,oneof=products videos"`
	Enabled  bool       `yaml:"enabled" json:"enabled"`
	Schedule string     `yaml:"schedule,omitempty" json:"schedule,omitempty"` // cron expression; empty = manual only

	// Product sources
	CatalogURLs []string         `yaml:"catalog_urls,omitempty" json:"catalog_urls,omitempty"`
	Selectors   ProductSelectors `yaml:"selectors,omitempty" json:"selectors,omitempty"`
	MaxProducts int              `yaml:"max_products,omitempty" json:"max_products,omitempty"`

	// Video sources
	ChannelIDs []string `yaml:"channel_ids,omitempty" json:"channel_ids,omitempty"`
	MaxVideos  int      `yaml:"max_videos,omitempty" json:"max_videos,omitempty"`
}

// ProductSelectors are the CSS selectors used to pull product fields out
// of a catalog page. Empty selectors fall back to OpenGraph metadata.
type ProductSelectors struct {
	ProductLink string `yaml:"product_link,omitempty" json:"product_link,omitempty"`
	Title       string `yaml:"title,omitempty" json:"title,omitempty"`
	Brand       string `yaml:"brand,omitempty" json:"brand,omitempty"`
	Price       string `yaml:"price,omitempty" json:"price,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Images      string `yaml:"images,omitempty" json:"images,omitempty"`
}
