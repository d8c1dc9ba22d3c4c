package call

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// RetryConfig конфигурация механизма повторных попыток
type RetryConfig struct {
	// MaxAttempts максимальное количество попыток
	MaxAttempts int
	// InitialDelay начальная задержка
	InitialDelay time.Duration
	// MaxDelay максимальная задержка
	MaxDelay time.Duration
	// Multiplier множитель экспоненциального отката
	Multiplier float64
	// JitterFactor фактор случайности (0.0 - 1.0)
	JitterFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.3,
	}
}

// withRetry выполняет операцию с экспоненциальным откатом.
// Прерывается при отмене контекста. Незаполненный MaxAttempts означает
// одну попытку: операция выполняется всегда.
func withRetry(ctx context.Context, config RetryConfig, operation string, fn func() error) error {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				slog.Info("операция выполнена после повторных попыток",
					slog.String("operation", operation),
					slog.Int("attempt", attempt))
			}
			return nil
		}
		lastErr = err

		if attempt == config.MaxAttempts {
			break
		}

		delay := calculateDelay(attempt, config)
		slog.Warn("операция не удалась, повтор через задержку",
			slog.String("operation", operation),
			slog.Int("attempt", attempt),
			slog.Int64("delay_ms", delay.Milliseconds()),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return errors.Wrapf(lastErr, "операция %s не удалась после %d попыток", operation, config.MaxAttempts)
}

// calculateDelay вычисляет задержку для указанной попытки
func calculateDelay(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt-1))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.JitterFactor > 0 {
		jitter := delay * config.JitterFactor * (rand.Float64()*2 - 1)
		delay += jitter
		if delay < 0 {
			delay = float64(config.InitialDelay)
		}
	}

	return time.Duration(delay)
}
