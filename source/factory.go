package source

import (
	"fmt"

	"simflow/config"

	"golang.org/x/time/rate"
)

const (
	defaultKlineLimit       = 100
	defaultRequestsPerSec   = 5
	defaultRequestBurstSize = 1
)

// New builds the source described by spec. Venue-backed sources fetch their
// history lazily on first Next, so construction never touches the network.
func New(spec config.SourceSpec) (Source, error) {
	switch spec.Type {
	case config.SourceFlat:
		return newFlat(spec), nil
	case config.SourceRandomWalk:
		return newRandomWalk(spec), nil
	case config.SourceBinance:
		return newBinance(spec), nil
	case config.SourceBybit:
		return newBybit(spec), nil
	case config.SourceKucoin:
		return newKucoin(spec), nil
	default:
		return nil, fmt.Errorf("source type %q is unknown", spec.Type)
	}
}

// specLimiter sizes a request pacer from the source's rate-limit block.
func specLimiter(spec config.SourceSpec) *rate.Limiter {
	rps := spec.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSec
	}
	burst := spec.RateLimit.BurstSize
	if burst <= 0 {
		burst = defaultRequestBurstSize
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
