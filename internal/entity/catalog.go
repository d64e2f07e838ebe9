package entity

import (
	"sort"
	"time"
)

// Category mirrors the `category` table. The ID is assigned by the catalog site.
type Category struct {
	ID   int64
	Name string
}

// Product mirrors the `product` table. Sheet is nil when no attribute sheet was captured.
type Product struct {
	ID         int64
	Name       string
	CategoryID int64
	Sheet      AttributeSheet
}

// ProductListing is one entry of a category listing page.
type ProductListing struct {
	ProductID int64
	Name      string
	DetailURL string
}

// ProductDetail is what a variant detail page yields.
type ProductDetail struct {
	Name  string
	Sheet AttributeSheet
}

// AttributeSheet is the two-level attribute tree of a product detail page:
// group -> attribute name -> raw value.
type AttributeSheet map[string]map[string]string

// Set stores value under group/name, creating the group on demand.
func (s AttributeSheet) Set(group, name, value string) {
	g, ok := s[group]
	if !ok {
		g = make(map[string]string)
		s[group] = g
	}
	g[name] = value
}

// Get returns the value stored under group/name.
func (s AttributeSheet) Get(group, name string) (string, bool) {
	g, ok := s[group]
	if !ok {
		return "", false
	}
	v, ok := g[name]
	return v, ok
}

// Len returns the number of leaf attributes.
func (s AttributeSheet) Len() int {
	n := 0
	for _, g := range s {
		n += len(g)
	}
	return n
}

// PricePoint is one (date, price) sample of a price series. Date is a calendar
// date in UTC with the clock part zeroed.
type PricePoint struct {
	Date  time.Time
	Price float64
}

// PriceObservation is a stored price point of a product.
type PriceObservation struct {
	ProductID int64
	PricePoint
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NormalizeSeries returns the points sorted by date with dates truncated to
// calendar days. When a source reports one day twice the later sample wins.
func NormalizeSeries(points []PricePoint) []PricePoint {
	byDay := make(map[time.Time]float64, len(points))
	for _, p := range points {
		byDay[Day(p.Date)] = p.Price
	}
	out := make([]PricePoint, 0, len(byDay))
	for d, price := range byDay {
		out = append(out, PricePoint{Date: d, Price: price})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// LatestDate returns the newest date of the series, or the zero time for an empty one.
func LatestDate(points []PricePoint) time.Time {
	var latest time.Time
	for _, p := range points {
		if p.Date.After(latest) {
			latest = p.Date
		}
	}
	return latest
}
