// Package impact derives the metrics of an impact investment at creation.
package impact

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gaia/synergy-engine/internal/model"
)

// ErrInvalidInvestment is returned for non-positive amounts or missing fields.
var ErrInvalidInvestment = errors.New("impact: invalid investment")

var (
	// ExpectedReturnRate is the projected return on the invested amount.
	ExpectedReturnRate = decimal.NewFromFloat(0.12)
	// ImpactPerUnit converts the invested amount into environmental impact units.
	ImpactPerUnit = decimal.NewFromFloat(2.5)
)

// NewInvestment records an investment. Derived metrics are fixed at creation
// and ActualReturns starts at zero.
func NewInvestment(userID string, project model.ProjectID, amount decimal.Decimal, now time.Time) (model.ImpactInvestment, error) {
	if userID == "" || project == "" {
		return model.ImpactInvestment{}, fmt.Errorf("%w: user and project are required", ErrInvalidInvestment)
	}
	if !amount.IsPositive() {
		return model.ImpactInvestment{}, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidInvestment, amount)
	}

	return model.ImpactInvestment{
		ID:                  uuid.New().String(),
		UserID:              userID,
		ProjectID:           project,
		Amount:              amount,
		InvestmentDate:      now,
		ExpectedReturns:     amount.Mul(ExpectedReturnRate),
		ActualReturns:       decimal.Zero,
		EnvironmentalImpact: amount.Mul(ImpactPerUnit),
	}, nil
}
