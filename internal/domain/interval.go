package domain

import (
	"errors"
	"time"

	"github.com/totem/cluster-deployer/pkg/config"
)

// ParseInterval converts interval strings such as "10s" or "1w" and reports
// malformed input as an INVALID_INTERVAL validation error.
func ParseInterval(interval string) (time.Duration, error) {
	d, err := config.ParseInterval(interval)
	if err != nil {
		var invalid *config.InvalidIntervalError
		if errors.As(err, &invalid) {
			return 0, &ValidationError{
				ErrCode: CodeInvalidInterval,
				Message: err.Error(),
				Fields:  map[string]any{"interval": interval, "format": config.IntervalFormat},
			}
		}
		return 0, err
	}
	return d, nil
}
