package repository

import "github.com/user/price-tracker/internal/entity"

// PageExtractor turns raw pages into records. Every method fails with
// ExtractionError on malformed input.
type PageExtractor interface {
	CategoryName(page []byte) (string, error)
	ProductList(page []byte) ([]entity.ProductListing, error)
	// VariantURLs returns nil, nil when the page has no variants.
	VariantURLs(page []byte) ([]string, error)
	ProductDetail(page []byte) (*entity.ProductDetail, error)
	PriceSeries(page []byte) ([]entity.PricePoint, error)
	// ProductIDFromURL parses the product id out of a detail or variant URL.
	ProductIDFromURL(rawURL string) (int64, error)
}
