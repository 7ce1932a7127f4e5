package pipeline

import (
	"context"
	"sync"

	"pcapdns/internal/models"
)

// Sink receives every completed exchange. Write is called from a single
// goroutine per Processor.
type Sink interface {
	Write(ctx context.Context, ex models.Exchange) error
}

// Collector is a Sink that keeps exchanges in memory.
type Collector struct {
	mu        sync.Mutex
	exchanges []models.Exchange
}

func (c *Collector) Write(_ context.Context, ex models.Exchange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, ex)
	return nil
}

// Exchanges returns a copy of everything collected so far.
func (c *Collector) Exchanges() []models.Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]models.Exchange, len(c.exchanges))
	copy(result, c.exchanges)
	return result
}
