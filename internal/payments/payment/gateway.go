package payment

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

var ErrDeclined = errors.New("payment declined by issuer")

// Gateway charges a card. A failed charge returns ErrDeclined or a transport
// error; the processor treats both as a failed payment.
type Gateway interface {
	Charge(ctx context.Context, p *Payment) (transactionID string, err error)
}

const DefaultSuccessRate = 0.9

// SimulatedGateway stands in for a card processor: it waits Delay and then
// approves with probability SuccessRate.
type SimulatedGateway struct {
	delay       time.Duration
	successRate float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulatedGateway uses src for outcomes, or a random seed when src is nil.
func NewSimulatedGateway(delay time.Duration, successRate float64, src rand.Source) *SimulatedGateway {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &SimulatedGateway{
		delay:       delay,
		successRate: successRate,
		rnd:         rand.New(src),
	}
}

func (g *SimulatedGateway) Charge(ctx context.Context, _ *Payment) (string, error) {
	if g.delay > 0 {
		t := time.NewTimer(g.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}

	g.mu.Lock()
	draw := g.rnd.Float64()
	g.mu.Unlock()

	if draw >= g.successRate {
		return "", ErrDeclined
	}
	return NewTransactionID(time.Now()), nil
}

// NewTransactionID returns "TXN-<unix millis>-<random suffix>".
func NewTransactionID(now time.Time) string {
	return fmt.Sprintf("TXN-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
