package products

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/models"
)

func TestProductLinksResolveAndDedup(t *testing.T) {
	parser := NewPageParser(models.ProductSelectors{ProductLink: "a.product"}, common.GetLogger())

	html := `<html><body>
		<a class="product" href="/p/1">One</a>
		<a class="product" href="https://shop.example/p/2">Two</a>
		<a class="product" href="/p/1">Duplicate</a>
		<a class="product" href="#">Anchor</a>
		<a class="other" href="/p/3">Not a product</a>
	</body></html>`

	links, err := parser.ProductLinks(html, "https://shop.example/catalog")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://shop.example/p/1",
		"https://shop.example/p/2",
	}, links)
}

func TestProductLinksWithoutSelectorReturnsPageItself(t *testing.T) {
	parser := NewPageParser(models.ProductSelectors{}, common.GetLogger())

	links, err := parser.ProductLinks("<html></html>", "https://shop.example/p/9")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.example/p/9"}, links)
}

func TestParseProductFallsBackToOpenGraph(t *testing.T) {
	parser := NewPageParser(models.ProductSelectors{}, common.GetLogger())

	html := `<html><head>
		<meta property="og:title" content="Alpine Jacket">
		<meta property="product:brand" content="Northwind">
		<meta property="product:price:amount" content="129.95">
		<meta property="product:price:currency" content="usd">
		<meta property="og:description" content="Windproof shell.">
		<meta property="og:image" content="/img/main.jpg">
		<link rel="canonical" href="https://shop.example/p/1">
	</head><body></body></html>`

	product, err := parser.ParseProduct(html, "https://shop.example/p/1?ref=abc")
	require.NoError(t, err)

	assert.Equal(t, "Alpine Jacket", product.Title)
	assert.Equal(t, "Northwind", product.Brand)
	assert.Equal(t, int64(12995), product.PriceCents)
	assert.Equal(t, "USD", product.Currency)
	assert.Equal(t, "Windproof shell.", product.DescriptionMarkdown)
	assert.Equal(t, "https://shop.example/p/1", product.SourceID)
	assert.Equal(t, []string{"https://shop.example/img/main.jpg"}, product.ImageURLs)
}

func TestParseProductSelectorsWin(t *testing.T) {
	parser := NewPageParser(models.ProductSelectors{
		Title:       "h1.name",
		Price:       "span.price",
		Description: "div.details",
		Images:      "#gallery img",
	}, common.GetLogger())

	html := `<html><head>
		<meta property="og:title" content="Wrong Title">
	</head><body>
		<h1 class="name">Trail Boots</h1>
		<span class="price">$89.50</span>
		<div class="details"><p>Leather upper with <strong>reinforced</strong> toe.</p></div>
		<div id="gallery"><img src="/img/b1.jpg"><img src="/img/b2.jpg"></div>
	</body></html>`

	product, err := parser.ParseProduct(html, "https://shop.example/p/2")
	require.NoError(t, err)

	assert.Equal(t, "Trail Boots", product.Title)
	assert.Equal(t, int64(8950), product.PriceCents)
	assert.Contains(t, product.DescriptionMarkdown, "**reinforced**")
	assert.Len(t, product.ImageURLs, 2)
}

func TestParseProductWithoutTitleFails(t *testing.T) {
	parser := NewPageParser(models.ProductSelectors{}, common.GetLogger())

	_, err := parser.ParseProduct("<html><body><p>nothing here</p></body></html>", "https://shop.example/p/3")
	require.Error(t, err)
}

func TestParsePriceCents(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"$49.99", 4999, true},
		{"129.95 USD", 12995, true},
		{"1.299,00", 129900, true},
		{"1,299", 129900, true},
		{"7", 700, true},
		{"free", 0, false},
	}

	for _, tc := range cases {
		got, ok := parsePriceCents(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.Equal(t, tc.want, got, tc.in)
		}
	}
}
