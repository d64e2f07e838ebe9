// Package extractor parses catalog pages of the price comparison site with
// goquery and decodes its price chart API.
package extractor

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/repository"
	"github.com/user/price-tracker/pkg/utils"
)

// Selectors of the catalog markup.
const (
	selCategoryTitle = "h1"
	selResultList    = "div.resultlist"
	selListItem      = "div.offerList-item"
	selItemLink      = "a.offerList-itemWrapper"
	selItemTitle     = ".offerList-item-description-title"
	selVariantLink   = ".productVariants a.productVariants-listItemWrapper"
	selProductTitle  = "#oopStage-title span, h1.oopStage-title"
	selSheetRows     = "table.datasheet-list tr"
	classSheetGroup  = "datasheet-listItem--group"
	selSheetKey      = "td.datasheet-listItemKey"
	selSheetValue    = "td.datasheet-listItemValue"
)

var _ repository.PageExtractor = (*IdealoExtractor)(nil)

// IdealoExtractor implements repository.PageExtractor. Relative links are
// resolved against the base URL.
type IdealoExtractor struct {
	base *url.URL
}

// NewIdealoExtractor creates an extractor resolving links against baseURL.
func NewIdealoExtractor(baseURL string) (*IdealoExtractor, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	return &IdealoExtractor{base: base}, nil
}

func parse(page []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, repository.NewExtractionError("unparseable html: %v", err)
	}
	return doc, nil
}

func cleanText(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

// CategoryName returns the heading of a category listing page.
func (e *IdealoExtractor) CategoryName(page []byte) (string, error) {
	doc, err := parse(page)
	if err != nil {
		return "", err
	}
	name := cleanText(doc.Find(selCategoryTitle).First())
	if name == "" {
		return "", repository.NewExtractionError("category page has no title")
	}
	return name, nil
}

// ProductList returns the products of a listing page. Entries whose link does
// not carry a numeric product id (ads, teasers) are skipped.
func (e *IdealoExtractor) ProductList(page []byte) ([]entity.ProductListing, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	list := doc.Find(selResultList)
	if list.Length() == 0 {
		return nil, repository.NewExtractionError("listing page has no result list")
	}

	var out []entity.ProductListing
	seen := make(map[int64]bool)
	list.Find(selListItem).Each(func(_ int, item *goquery.Selection) {
		link := item.Find(selItemLink).First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		id, err := e.ProductIDFromURL(strings.TrimSpace(href))
		if err != nil || seen[id] {
			return
		}
		abs, err := utils.ToAbsoluteURL(e.base, strings.TrimSpace(href))
		if err != nil {
			return
		}
		seen[id] = true
		out = append(out, entity.ProductListing{
			ProductID: id,
			Name:      cleanText(link.Find(selItemTitle)),
			DetailURL: abs,
		})
	})
	return out, nil
}

// VariantURLs returns the variant links of a product detail page, or nil
// when the product has no variants.
func (e *IdealoExtractor) VariantURLs(page []byte) ([]string, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	var out []string
	doc.Find(selVariantLink).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		if abs, err := utils.ToAbsoluteURL(e.base, strings.TrimSpace(href)); err == nil {
			out = append(out, abs)
		}
	})
	return out, nil
}

// ProductDetail returns the product name and its attribute sheet.
func (e *IdealoExtractor) ProductDetail(page []byte) (*entity.ProductDetail, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	name := cleanText(doc.Find(selProductTitle).First())
	if name == "" {
		return nil, repository.NewExtractionError("detail page has no product title")
	}

	detail := &entity.ProductDetail{Name: name}
	group := ""
	doc.Find(selSheetRows).Each(func(_ int, row *goquery.Selection) {
		if row.HasClass(classSheetGroup) {
			group = cleanText(row)
			return
		}
		key := cleanText(row.Find(selSheetKey))
		if key == "" {
			return
		}
		if detail.Sheet == nil {
			detail.Sheet = entity.AttributeSheet{}
		}
		detail.Sheet.Set(group, key, cleanText(row.Find(selSheetValue)))
	})
	return detail, nil
}

type chartPoint struct {
	X json.RawMessage `json:"x"`
	Y *float64        `json:"y"`
}

type chartResponse struct {
	Data []chartPoint `json:"data"`
}

// PriceSeries decodes a price chart API response {"data":[{"x":..,"y":..}]}.
// x is either epoch milliseconds or a date string.
func (e *IdealoExtractor) PriceSeries(page []byte) ([]entity.PricePoint, error) {
	var resp chartResponse
	if err := json.Unmarshal(page, &resp); err != nil {
		return nil, repository.NewExtractionError("price chart is not json: %v", err)
	}
	if len(resp.Data) == 0 {
		return nil, repository.NewExtractionError("price chart has no data points")
	}

	points := make([]entity.PricePoint, 0, len(resp.Data))
	for i, p := range resp.Data {
		if p.Y == nil {
			return nil, repository.NewExtractionError("price chart point %d has no price", i)
		}
		date, err := parseChartDate(p.X)
		if err != nil {
			return nil, repository.NewExtractionError("price chart point %d: %v", i, err)
		}
		points = append(points, entity.PricePoint{Date: date, Price: *p.Y})
	}
	return entity.NormalizeSeries(points), nil
}

func parseChartDate(raw json.RawMessage) (time.Time, error) {
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, err
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, repository.NewExtractionError("unknown date format %q", s)
}

// ProductIDFromURL parses the id between the last "/" and the last "_-" of
// a product link, e.g. ".../OffersOfProduct/201846460_-rtx-3080.html".
func (e *IdealoExtractor) ProductIDFromURL(rawURL string) (int64, error) {
	slash := strings.LastIndex(rawURL, "/")
	sep := strings.LastIndex(rawURL, "_-")
	if sep <= slash {
		return 0, repository.NewExtractionError("no product id in %q", rawURL)
	}
	id, err := strconv.ParseInt(rawURL[slash+1:sep], 10, 64)
	if err != nil {
		return 0, repository.NewExtractionError("no product id in %q", rawURL)
	}
	return id, nil
}
