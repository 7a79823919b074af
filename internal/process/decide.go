package process

import (
	"time"

	"github.com/calibermatch/feed-service/internal/database"
)

func (s *AlertSkips) add(other AlertSkips) {
	s.NullProductID += other.NullProductID
	s.NewProduct += other.NewProduct
	s.CurrencyMismatch += other.CurrencyMismatch
	s.UnknownPriorState += other.UnknownPriorState
	s.NoChange += other.NoChange
}

// needsPriceRow decides whether this observation warrants an append to the
// price history: first sighting, signature change, stock flip, or heartbeat.
func needsPriceRow(prior database.LastPrice, hasPrior bool, sig string, inStock bool, t0 time.Time, heartbeatHours int) bool {
	switch {
	case !hasPrior:
		return true
	case prior.PriceSignatureHash != sig:
		return true
	case prior.InStock == nil || *prior.InStock != inStock:
		return true
	case t0.Sub(prior.CreatedAt) >= time.Duration(heartbeatHours)*time.Hour:
		return true
	}
	return false
}

type alertDetection struct {
	priceDrop   bool
	backInStock bool
	skips       AlertSkips
}

// detectAlerts applies the fail-closed alert rules against the prior price
// state. No canonical product or no prior observation means no alerts at all.
// A currency mismatch or unknown currency suppresses the price-drop alert; an
// unknown prior stock state suppresses the back-in-stock alert.
func detectAlerts(prior database.LastPrice, hasPrior bool, productID *string, currency string, newPrice float64, newInStock bool) alertDetection {
	var det alertDetection
	if productID == nil {
		det.skips.NullProductID++
		return det
	}
	if !hasPrior {
		det.skips.NewProduct++
		return det
	}

	if prior.Price > newPrice {
		if currency != "" && prior.Currency == currency {
			det.priceDrop = true
		} else {
			det.skips.CurrencyMismatch++
		}
	}

	if newInStock {
		switch {
		case prior.InStock == nil:
			det.skips.UnknownPriorState++
		case !*prior.InStock:
			det.backInStock = true
		}
	}
	return det
}
