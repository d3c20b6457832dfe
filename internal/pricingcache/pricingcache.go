package pricingcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/sfirelab/coinledger/pkg/coinledger"
	"go.uber.org/zap"
)

const (
	keyPrefix  = "coinledger:pricing:"
	defaultTTL = 5 * time.Minute
)

// cachedPricing is the wire form stored in redis. Decimals travel as strings
// to avoid float coercion.
type cachedPricing struct {
	InputWeight     string `json:"input_weight"`
	OutputWeight    string `json:"output_weight"`
	BaseFee         string `json:"base_fee"`
	RateMultiplier  string `json:"rate_multiplier"`
	MaxOutputTokens int    `json:"max_output_tokens"`
}

// Source is a read-through cache over a slower pricing source. Cache failures
// degrade to the underlying source so pricing lookups never depend on redis
// availability.
type Source struct {
	client *redis.Client
	next   coinledger.PricingSource
	ttl    time.Duration
	logger *zap.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithTTL overrides the default cache entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(source *Source) {
		if ttl > 0 {
			source.ttl = ttl
		}
	}
}

// New wires a caching Source in front of next.
func New(client *redis.Client, next coinledger.PricingSource, logger *zap.Logger, options ...Option) (*Source, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", coinledger.ErrInvalidServiceConfig)
	}
	if next == nil {
		return nil, fmt.Errorf("%w: pricing source is nil", coinledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	source := &Source{client: client, next: next, ttl: defaultTTL, logger: logger}
	for _, option := range options {
		option(source)
	}
	return source, nil
}

// ModelPricing implements coinledger.PricingSource.
func (source *Source) ModelPricing(ctx context.Context, modelID coinledger.ModelID) (coinledger.ModelPricing, error) {
	key := keyPrefix + modelID.String()
	payload, err := source.client.Get(ctx, key).Bytes()
	if err == nil {
		pricing, decodeErr := decodePricing(payload)
		if decodeErr == nil {
			return pricing, nil
		}
		source.logger.Warn("pricing cache entry corrupt", zap.String("model_id", modelID.String()), zap.Error(decodeErr))
	} else if !errors.Is(err, redis.Nil) {
		source.logger.Warn("pricing cache read failed", zap.String("model_id", modelID.String()), zap.Error(err))
	}

	pricing, err := source.next.ModelPricing(ctx, modelID)
	if err != nil {
		return coinledger.ModelPricing{}, err
	}
	if payload, encodeErr := encodePricing(pricing); encodeErr == nil {
		if setErr := source.client.Set(ctx, key, payload, source.ttl).Err(); setErr != nil {
			source.logger.Warn("pricing cache write failed", zap.String("model_id", modelID.String()), zap.Error(setErr))
		}
	}
	return pricing, nil
}

// Invalidate drops the cached entry for a model after a pricing update.
func (source *Source) Invalidate(ctx context.Context, modelID coinledger.ModelID) error {
	return source.client.Del(ctx, keyPrefix+modelID.String()).Err()
}

func encodePricing(pricing coinledger.ModelPricing) ([]byte, error) {
	return json.Marshal(cachedPricing{
		InputWeight:     pricing.InputWeight.String(),
		OutputWeight:    pricing.OutputWeight.String(),
		BaseFee:         pricing.BaseFee.String(),
		RateMultiplier:  pricing.RateMultiplier.String(),
		MaxOutputTokens: pricing.MaxOutputTokens,
	})
}

func decodePricing(payload []byte) (coinledger.ModelPricing, error) {
	var cached cachedPricing
	if err := json.Unmarshal(payload, &cached); err != nil {
		return coinledger.ModelPricing{}, err
	}
	inputWeight, err := decimal.NewFromString(cached.InputWeight)
	if err != nil {
		return coinledger.ModelPricing{}, err
	}
	outputWeight, err := decimal.NewFromString(cached.OutputWeight)
	if err != nil {
		return coinledger.ModelPricing{}, err
	}
	baseFee, err := decimal.NewFromString(cached.BaseFee)
	if err != nil {
		return coinledger.ModelPricing{}, err
	}
	rateMultiplier, err := decimal.NewFromString(cached.RateMultiplier)
	if err != nil {
		return coinledger.ModelPricing{}, err
	}
	pricing := coinledger.ModelPricing{
		InputWeight:     inputWeight,
		OutputWeight:    outputWeight,
		BaseFee:         baseFee,
		RateMultiplier:  rateMultiplier,
		MaxOutputTokens: cached.MaxOutputTokens,
	}
	if err := pricing.Validate(); err != nil {
		return coinledger.ModelPricing{}, err
	}
	return pricing, nil
}
