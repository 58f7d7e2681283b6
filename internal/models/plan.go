package models

// Plan is a credit top-up offering. Prices are VND (no minor units).
type Plan struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Credits      int    `json:"credits"`
	PriceVND     int64  `json:"price_vnd"`
	DurationDays int    `json:"duration_days"`
}

// Plans is the static catalog. Order matters for display.
var Plans = []Plan{
	{ID: "starter", Name: "Starter", Credits: 300, PriceVND: 199000, DurationDays: 30},
	{ID: "creator", Name: "Creator", Credits: 1000, PriceVND: 599000, DurationDays: 30},
	{ID: "studio", Name: "Studio", Credits: 2500, PriceVND: 1299000, DurationDays: 30},
}

// PlanByID returns the plan or nil if the id is unknown.
func PlanByID(id string) *Plan {
	for i := range Plans {
		if Plans[i].ID == id {
			return &Plans[i]
		}
	}
	return nil
}
