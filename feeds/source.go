package feeds

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/web3guy0/papertrade/types"
)

// Source produces market ticks for the engine
type Source interface {
	Start(ctx context.Context) error
	Ticks() <-chan types.Tick
	Stop()
}

// None is a source that never ticks. Prices then come only from
// explicit entry/close prices on the API.
type None struct {
	ch   chan types.Tick
	once sync.Once
}

// NewNone creates an idle source
func NewNone() *None {
	return &None{ch: make(chan types.Tick)}
}

func (n *None) Start(context.Context) error { return nil }
func (n *None) Ticks() <-chan types.Tick    { return n.ch }
func (n *None) Stop()                       { n.once.Do(func() { close(n.ch) }) }

// ParsePairs parses "BTC-USD=btcusdt,ETH-USD=ethusdt" into a map keyed by
// the normalized traded symbol
func ParsePairs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		k = types.NormalizeSymbol(k)
		v = strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("malformed pair %q (want SYMBOL=value)", part)
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no pairs in %q", raw)
	}
	return out, nil
}
