package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sfirelab/coinledger/pkg/coinledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PricingSource serves model pricing records from the model_pricing table.
type PricingSource struct {
	db *gorm.DB
}

// NewPricingSource returns a PricingSource backed by gorm.DB.
func NewPricingSource(db *gorm.DB) *PricingSource {
	return &PricingSource{db: db}
}

// ModelPricing implements coinledger.PricingSource.
func (source *PricingSource) ModelPricing(ctx context.Context, modelID coinledger.ModelID) (coinledger.ModelPricing, error) {
	var row ModelPricingRow
	err := source.db.WithContext(ctx).Where("model_id = ?", modelID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return coinledger.ModelPricing{}, fmt.Errorf("%w: %s", coinledger.ErrModelPricingNotFound, modelID)
		}
		return coinledger.ModelPricing{}, wrapStoreError(errorSubjectPricing, errorCodeGet, err)
	}
	pricing := coinledger.ModelPricing{
		InputWeight:     row.InputWeight,
		OutputWeight:    row.OutputWeight,
		BaseFee:         row.BaseFee,
		RateMultiplier:  row.RateMultiplier,
		MaxOutputTokens: row.MaxOutputTokens,
	}
	if err := pricing.Validate(); err != nil {
		return coinledger.ModelPricing{}, wrapStoreError(errorSubjectPricing, errorCodeInvalid, err)
	}
	return pricing, nil
}

// UpsertModelPricing writes or replaces the pricing record for a model.
func (source *PricingSource) UpsertModelPricing(ctx context.Context, modelID coinledger.ModelID, pricing coinledger.ModelPricing) error {
	if err := pricing.Validate(); err != nil {
		return wrapStoreError(errorSubjectPricing, errorCodeInvalid, err)
	}
	row := ModelPricingRow{
		ModelID:         modelID.String(),
		InputWeight:     pricing.InputWeight,
		OutputWeight:    pricing.OutputWeight,
		BaseFee:         pricing.BaseFee,
		RateMultiplier:  pricing.RateMultiplier,
		MaxOutputTokens: pricing.MaxOutputTokens,
		UpdatedAt:       time.Now().UTC(),
	}
	err := source.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "model_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectPricing, errorCodeCreate, err)
	}
	return nil
}
