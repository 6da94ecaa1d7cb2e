package products

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/models"
)

// ParsedProduct is the result of scraping one product page.
type ParsedProduct struct {
	SourceID            string
	Title               string
	Brand               string
	PriceCents          int64
	Currency            string
	DescriptionMarkdown string
	ImageURLs           []string
	URL                 string
}

// PageParser extracts product data from catalog HTML. Configured CSS
// selectors take priority; missing selectors fall back to OpenGraph and
// standard metadata so sparsely configured sources still yield usable
// rows.
type PageParser struct {
	selectors models.ProductSelectors
	logger    arbor.ILogger
}

// NewPageParser creates a parser for one source's selector set.
func NewPageParser(selectors models.ProductSelectors, logger arbor.ILogger) *PageParser {
	return &PageParser{
		selectors: selectors,
		logger:    logger,
	}
}

// ProductLinks extracts the product detail links from a catalog listing
// page, resolved against the page URL and deduplicated in order.
func (p *PageParser) ProductLinks(html string, pageURL string) ([]string, error) {
	if p.selectors.ProductLink == "" {
		// No listing selector: the catalog URL itself is a product page.
		return []string{pageURL}, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL: %w", err)
	}

	var links []string
	seen := make(map[string]bool)

	doc.Find(p.selectors.ProductLink).Each(func(_ int, s *goquery.Selection) {
		href, exists := s.Attr("href")
		if !exists {
			href, exists = s.Find("a[href]").First().Attr("href")
		}
		if !exists || href == "" {
			return
		}
		if strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "#") {
			return
		}

		resolved := resolveURL(href, base)
		if resolved == "" || seen[resolved] {
			return
		}
		seen[resolved] = true
		links = append(links, resolved)
	})

	p.logger.Debug().
		Str("page_url", pageURL).
		Int("links", len(links)).
		Msg("Extracted product links")

	return links, nil
}

// ParseProduct extracts the product fields from a detail page.
func (p *PageParser) ParseProduct(html string, pageURL string) (*ParsedProduct, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL: %w", err)
	}

	product := &ParsedProduct{
		URL:      pageURL,
		SourceID: p.extractSourceID(doc, pageURL),
		Title:    p.extractTitle(doc),
		Brand:    p.extractBrand(doc),
	}

	product.PriceCents, product.Currency = p.extractPrice(doc)
	product.DescriptionMarkdown = p.extractDescription(doc, pageURL)
	product.ImageURLs = p.extractImageURLs(doc, base)

	if product.Title == "" {
		return nil, fmt.Errorf("page has no recognizable product title")
	}

	return product, nil
}

// extractTitle tries the configured selector, then OpenGraph, then the
// document title, then the first h1.
func (p *PageParser) extractTitle(doc *goquery.Document) string {
	if p.selectors.Title != "" {
		if title := strings.TrimSpace(doc.Find(p.selectors.Title).First().Text()); title != "" {
			return title
		}
	}
	if ogTitle, exists := doc.Find("meta[property='og:title']").Attr("content"); exists && ogTitle != "" {
		return strings.TrimSpace(ogTitle)
	}
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

func (p *PageParser) extractBrand(doc *goquery.Document) string {
	if p.selectors.Brand != "" {
		if brand := strings.TrimSpace(doc.Find(p.selectors.Brand).First().Text()); brand != "" {
			return brand
		}
	}
	if brand, exists := doc.Find("meta[property='product:brand']").Attr("content"); exists {
		return strings.TrimSpace(brand)
	}
	return ""
}

func (p *PageParser) extractPrice(doc *goquery.Document) (int64, string) {
	currency := ""
	if c, exists := doc.Find("meta[property='product:price:currency']").Attr("content"); exists {
		currency = strings.ToUpper(strings.TrimSpace(c))
	}

	if p.selectors.Price != "" {
		if text := strings.TrimSpace(doc.Find(p.selectors.Price).First().Text()); text != "" {
			if cents, ok := parsePriceCents(text); ok {
				return cents, currency
			}
		}
	}

	if amount, exists := doc.Find("meta[property='product:price:amount']").Attr("content"); exists {
		if cents, ok := parsePriceCents(amount); ok {
			return cents, currency
		}
	}

	return 0, currency
}

// extractDescription converts the description HTML to markdown. The
// OpenGraph/meta description fallback is already plain text.
func (p *PageParser) extractDescription(doc *goquery.Document, pageURL string) string {
	if p.selectors.Description != "" {
		selection := doc.Find(p.selectors.Description).First()
		if selection.Length() > 0 {
			html, err := selection.Html()
			if err == nil && strings.TrimSpace(html) != "" {
				return p.htmlToMarkdown(html, pageURL)
			}
		}
	}

	if desc, exists := doc.Find("meta[property='og:description']").Attr("content"); exists && desc != "" {
		return strings.TrimSpace(desc)
	}
	if desc, exists := doc.Find("meta[name='description']").Attr("content"); exists {
		return strings.TrimSpace(desc)
	}
	return ""
}

func (p *PageParser) htmlToMarkdown(html string, baseURL string) string {
	converter := md.NewConverter(baseURL, true, nil)
	markdown, err := converter.ConvertString(html)
	if err != nil {
		p.logger.Warn().Err(err).Msg("HTML to markdown conversion failed, stripping tags")
		return stripHTMLTags(html)
	}

	markdown = strings.TrimSpace(markdown)
	if markdown == "" {
		return stripHTMLTags(html)
	}
	return markdown
}

func (p *PageParser) extractImageURLs(doc *goquery.Document, base *url.URL) []string {
	var urls []string
	seen := make(map[string]bool)

	add := func(raw string) {
		if raw == "" || strings.HasPrefix(raw, "data:") {
			return
		}
		resolved := resolveURL(raw, base)
		if resolved == "" || seen[resolved] {
			return
		}
		seen[resolved] = true
		urls = append(urls, resolved)
	}

	if p.selectors.Images != "" {
		doc.Find(p.selectors.Images).Each(func(_ int, s *goquery.Selection) {
			if src, exists := s.Attr("src"); exists {
				add(src)
				return
			}
			if href, exists := s.Attr("href"); exists {
				add(href)
			}
		})
	}

	if len(urls) == 0 {
		doc.Find("meta[property='og:image']").Each(func(_ int, s *goquery.Selection) {
			if content, exists := s.Attr("content"); exists {
				add(content)
			}
		})
	}

	return urls
}

// extractSourceID prefers an explicit product id, then the canonical
// URL, then the page URL itself.
func (p *PageParser) extractSourceID(doc *goquery.Document, pageURL string) string {
	if id, exists := doc.Find("[data-product-id]").Attr("data-product-id"); exists && id != "" {
		return id
	}
	if canonical, exists := doc.Find("link[rel='canonical']").Attr("href"); exists && canonical != "" {
		return canonical
	}
	return pageURL
}

var priceDigits = regexp.MustCompile(`[0-9][0-9.,]*`)

// parsePriceCents pulls the first numeric token out of a price string.
// "1.299,00" style separators are normalized before parsing.
func parsePriceCents(text string) (int64, bool) {
	match := priceDigits.FindString(text)
	if match == "" {
		return 0, false
	}

	// When both separators appear the last one is the decimal point. A
	// trailing comma group of exactly three digits reads as a thousands
	// separator ("1,299"), not a decimal.
	lastComma := strings.LastIndex(match, ",")
	lastDot := strings.LastIndex(match, ".")
	if lastComma > lastDot {
		if len(match)-lastComma-1 == 3 && lastDot == -1 {
			match = strings.ReplaceAll(match, ",", "")
		} else {
			match = strings.ReplaceAll(match, ".", "")
			match = strings.Replace(match, ",", ".", 1)
		}
	} else {
		match = strings.ReplaceAll(match, ",", "")
	}

	value, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, false
	}
	return int64(value*100 + 0.5), true
}

func resolveURL(raw string, base *url.URL) string {
	return common.ResolveURL(base.String(), raw)
}

var htmlTags = regexp.MustCompile(`<[^>]*>`)

func stripHTMLTags(html string) string {
	stripped := htmlTags.ReplaceAllString(html, "")
	stripped = strings.Join(strings.Fields(stripped), " ")
	return strings.TrimSpace(stripped)
}
