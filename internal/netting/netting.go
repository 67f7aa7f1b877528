// Package netting buffers settlements that opt into netting within a fixed
// window and replaces them with bilateral net settlements per currency,
// per ordered participant pair.
package netting

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atomicsettle/coordinator/internal/idgen"
	"github.com/atomicsettle/coordinator/internal/money"
	"github.com/atomicsettle/coordinator/internal/settlement"
)

// DefaultWindow is the fixed-duration buffer a netting-eligible settlement
// sits in before the engine computes net flows and emits replacements.
const DefaultWindow = 100 * time.Millisecond

// flowEntry is one buffered leg's contribution to a directed participant
// pair flow.
type flowEntry struct {
	from           string
	to             string
	amount         *big.Int
	settlementID   string
	idempotencyKey string
}

// window accumulates flow entries for one currency until it is closed.
type window struct {
	mu      sync.Mutex
	entries []flowEntry
}

// Sink is where the engine delivers its output: the net settlements that
// replace the buffered originals, routed back into the same submission
// path a gross settlement would take.
type Sink interface {
	SubmitNetted(net *settlement.Settlement) error
}

// Engine buffers netting-eligible settlements per currency and flushes each
// window on a 1:1 ticker tick, the same sync.Map-of-per-key-window shape
// the risk scoring engine uses for its sliding windows, combined with the
// ticker-driven close-and-flush loop of the deposit watcher.
type Engine struct {
	windowDur time.Duration
	windows   sync.Map // currency -> *window
	sink      Sink

	stop chan struct{}
	done chan struct{}
}

// NewEngine creates a netting engine flushing every windowDur (0 uses
// DefaultWindow).
func NewEngine(windowDur time.Duration, sink Sink) *Engine {
	if windowDur <= 0 {
		windowDur = DefaultWindow
	}
	return &Engine{
		windowDur: windowDur,
		sink:      sink,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (e *Engine) bucket(currency string) *window {
	v, _ := e.windows.LoadOrStore(currency, &window{})
	return v.(*window)
}

// Submit buffers a netting-eligible settlement's legs. Cross-currency legs
// contribute to the destination currency's flow since that side is where
// the receiving participant's net position is measured; same-currency legs
// contribute to that single currency.
//
// The caller is responsible for routing only settlements marked
// netting_eligible here — non-netted settlements bypass the buffer
// entirely and go straight to the Processor's lock phase.
func (e *Engine) Submit(s *settlement.Settlement) {
	for _, leg := range s.Legs {
		currency := leg.Destination.Currency
		amount, ok := money.Parse(currency, leg.ConvertedAmount)
		if !ok {
			continue
		}
		w := e.bucket(currency)
		w.mu.Lock()
		w.entries = append(w.entries, flowEntry{
			from:           leg.Source.ParticipantID,
			to:             leg.Destination.ParticipantID,
			amount:         amount,
			settlementID:   s.ID,
			idempotencyKey: s.IdempotencyKey,
		})
		w.mu.Unlock()
	}
}

// Start launches the window-close loop in its own goroutine; it runs until
// Stop is called.
func (e *Engine) Start() {
	go e.loop()
}

func (e *Engine) loop() {
	defer close(e.done)
	ticker := time.NewTicker(e.windowDur)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.flushAll()
		}
	}
}

// Stop halts the window loop and waits for the in-flight flush to finish.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

// flushAll closes every currency's current window and emits net
// settlements, replacing each window with a fresh empty one.
func (e *Engine) flushAll() {
	e.windows.Range(func(key, value any) bool {
		currency := key.(string)
		w := value.(*window)

		w.mu.Lock()
		entries := w.entries
		w.entries = nil
		w.mu.Unlock()

		if len(entries) == 0 {
			return true
		}

		for _, net := range computeNetFlows(currency, entries) {
			if e.sink != nil {
				_ = e.sink.SubmitNetted(net)
			}
		}
		return true
	})
}

// netFlow is the accumulated (possibly negative) directed flow for an
// ordered participant pair, before sign resolution.
type netFlow struct {
	pi, pj          string
	net             *big.Int // positive: pi->pj, negative: pj->pi
	sourceKeys      []string
	sourceSettleIDs []string
}

// computeNetFlows implements the close-and-emit rule of §4.5: per ordered
// pair (p_i, p_j) with i < j, net = sum(p_i->p_j) - sum(p_j->p_i). A
// positive net emits p_i->p_j; negative emits the reverse; zero emits
// nothing.
func computeNetFlows(currency string, entries []flowEntry) []*settlement.Settlement {
	pairs := make(map[string]*netFlow)

	pairKeyOf := func(a, b string) (string, bool) {
		if a < b {
			return a + "\x00" + b, true
		}
		return b + "\x00" + a, false
	}

	for _, e := range entries {
		key, fromIsFirst := pairKeyOf(e.from, e.to)
		nf, ok := pairs[key]
		if !ok {
			pi, pj := e.from, e.to
			if !fromIsFirst {
				pi, pj = e.to, e.from
			}
			nf = &netFlow{pi: pi, pj: pj, net: big.NewInt(0)}
			pairs[key] = nf
		}
		if fromIsFirst {
			nf.net.Add(nf.net, e.amount)
		} else {
			nf.net.Sub(nf.net, e.amount)
		}
		nf.sourceKeys = append(nf.sourceKeys, e.idempotencyKey)
		nf.sourceSettleIDs = append(nf.sourceSettleIDs, e.settlementID)
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []*settlement.Settlement
	for _, k := range keys {
		nf := pairs[k]
		sign := nf.net.Sign()
		if sign == 0 {
			continue
		}

		from, to := nf.pi, nf.pj
		amount := new(big.Int).Set(nf.net)
		if sign < 0 {
			from, to = nf.pj, nf.pi
			amount.Neg(amount)
		}

		out = append(out, buildNetSettlement(currency, from, to, amount, nf.sourceKeys, nf.sourceSettleIDs))
	}
	return out
}

// nettedIdempotencyKey derives a deterministic digest of the aggregated
// settlements' idempotency keys, so retries of a net settlement (e.g. on
// recovery replay) resolve to the same aggregate rather than re-netting.
func nettedIdempotencyKey(sourceKeys []string) string {
	sorted := append([]string(nil), sourceKeys...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return "net_" + hex.EncodeToString(sum[:16])
}

func buildNetSettlement(currency, from, to string, amount *big.Int, sourceKeys, sourceSettleIDs []string) *settlement.Settlement {
	decimal := money.Format(currency, amount)
	return &settlement.Settlement{
		ID:             idgen.SettlementID(),
		IdempotencyKey: nettedIdempotencyKey(sourceKeys),
		Status:         settlement.StatusReceived,
		Legs: []settlement.Leg{{
			LegNumber:       1,
			Source:          settlement.AccountRef{ParticipantID: from, Currency: currency},
			Destination:     settlement.AccountRef{ParticipantID: to, Currency: currency},
			SourceAmount:    decimal,
			ConvertedAmount: decimal,
		}},
		NettedFrom: sourceSettleIDs,
		CreatedAt:  time.Now(),
	}
}
