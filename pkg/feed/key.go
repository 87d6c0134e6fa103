package feed

import (
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// KeyProvider hands out API keys, one per request.
type KeyProvider interface {
	Get() string
}

func NewKeyProvider(keys []string) (KeyProvider, error) {
	var clean []string
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			clean = append(clean, key)
		}
	}

	switch len(clean) {
	case 0:
		return nil, errors.New("no keys")
	case 1:
		return fixedKey(clean[0]), nil
	default:
		return &rotatedKeys{keys: clean}, nil
	}
}

type fixedKey string

func (k fixedKey) Get() string {
	return string(k)
}

// rotatedKeys spreads API quota across several keys in round robin.
type rotatedKeys struct {
	keys  []string
	index uint64
}

func (p *rotatedKeys) Get() string {
	current := atomic.AddUint64(&p.index, 1) - 1
	return p.keys[current%uint64(len(p.keys))]
}
