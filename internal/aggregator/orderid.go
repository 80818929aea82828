package aggregator

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/wakala/settlement/internal/clock"
)

const DefaultOrderPrefix = "UGMP"

// eat is East Africa Time, the zone order ids are dated in.
var eat = time.FixedZone("EAT", 3*60*60)

// OrderIDGenerator issues OutTradeNo values of the form
// <prefix>-YYYYMMDD-<unix ms><5-digit sequence>.
type OrderIDGenerator struct {
	prefix string
	clock  clock.Clock
	seq    atomic.Uint64
}

func NewOrderIDGenerator(prefix string, clk clock.Clock) *OrderIDGenerator {
	if prefix == "" {
		prefix = DefaultOrderPrefix
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &OrderIDGenerator{prefix: prefix, clock: clk}
}

func (g *OrderIDGenerator) Next() string {
	now := g.clock.Now().In(eat)
	n := (g.seq.Add(1) - 1) % 100000
	return fmt.Sprintf("%s-%s-%d%05d", g.prefix, now.Format("20060102"), now.UnixMilli(), n)
}
