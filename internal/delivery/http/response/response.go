package response

import (
	"time"

	"github.com/user/price-tracker/internal/entity"
)

type AcceptedResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// RunResponse is a DTO for an active update run, mirroring entity.UpdateRun
type RunResponse struct {
	Kind       string    `json:"kind"`
	EntityID   int64     `json:"entity_id"`
	IssuedAt   time.Time `json:"issued_at"`
	Resolution string    `json:"resolution,omitempty"`
}

// FreshnessResponse is one row of the freshness index. LastObserved and
// AgeSeconds are omitted for entities that were never observed.
type FreshnessResponse struct {
	Kind         string     `json:"kind"`
	EntityID     int64      `json:"entity_id"`
	LastObserved *time.Time `json:"last_observed,omitempty"`
	AgeSeconds   *float64   `json:"age_seconds,omitempty"`
}

type PricePointResponse struct {
	Date  string  `json:"date"` // YYYY-MM-DD
	Price float64 `json:"price"`
}

type PriceHistoryResponse struct {
	ProductID  int64                `json:"product_id"`
	Name       string               `json:"name"`
	CategoryID int64                `json:"category_id"`
	Prices     []PricePointResponse `json:"prices"`
}

func NewRunResponse(run entity.UpdateRun) RunResponse {
	return RunResponse{
		Kind:       string(run.Kind),
		EntityID:   run.EntityID,
		IssuedAt:   run.IssuedAt,
		Resolution: run.Resolution,
	}
}

func NewFreshnessResponse(s entity.Staleness) FreshnessResponse {
	out := FreshnessResponse{Kind: string(s.Kind), EntityID: s.EntityID}
	if s.Observed() {
		last := s.LastObserved
		age := s.Age.Seconds()
		out.LastObserved = &last
		out.AgeSeconds = &age
	}
	return out
}

func NewPriceHistoryResponse(p entity.Product, prices []entity.PriceObservation) PriceHistoryResponse {
	out := PriceHistoryResponse{
		ProductID:  p.ID,
		Name:       p.Name,
		CategoryID: p.CategoryID,
		Prices:     make([]PricePointResponse, 0, len(prices)),
	}
	for _, o := range prices {
		out.Prices = append(out.Prices, PricePointResponse{Date: o.Date.Format("2006-01-02"), Price: o.Price})
	}
	return out
}
