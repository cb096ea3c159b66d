package progress

import (
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/exp/slices"
)

// Entry is the completion percentage of one shard.
type Entry struct {
	Shard   string
	Percent float64
}

// Tracker maps shard identity to completion percentage. Writers never
// block each other or the reader: every shard owns an atomic value.
type Tracker struct {
	shards sync.Map // string -> *atomic.Float64
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) value(shard string) *atomic.Float64 {
	if v, ok := t.shards.Load(shard); ok {
		return v.(*atomic.Float64)
	}
	v, _ := t.shards.LoadOrStore(shard, atomic.NewFloat64(0))
	return v.(*atomic.Float64)
}

// Publish overwrites the percentage of shard.
func (t *Tracker) Publish(shard string, percent float64) {
	t.value(shard).Store(clamp(percent))
}

// Advance raises the percentage of shard to percent, never lowering it.
// Concurrent workers may finish out of order; Advance keeps the published
// sequence non-decreasing.
func (t *Tracker) Advance(shard string, percent float64) {
	percent = clamp(percent)
	v := t.value(shard)
	for {
		cur := v.Load()
		if percent <= cur {
			return
		}
		if v.CompareAndSwap(cur, percent) {
			return
		}
	}
}

// Get returns the percentage of shard.
func (t *Tracker) Get(shard string) (float64, bool) {
	v, ok := t.shards.Load(shard)
	if !ok {
		return 0, false
	}
	return v.(*atomic.Float64).Load(), true
}

// Snapshot returns every shard ordered by shard identity.
func (t *Tracker) Snapshot() []Entry {
	var res []Entry
	t.shards.Range(func(k, v any) bool {
		res = append(res, Entry{
			Shard:   k.(string),
			Percent: v.(*atomic.Float64).Load(),
		})
		return true
	})
	slices.SortFunc(res, func(a, b Entry) int {
		switch {
		case a.Shard < b.Shard:
			return -1
		case a.Shard > b.Shard:
			return 1
		}
		return 0
	})
	return res
}

func clamp(percent float64) float64 {
	switch {
	case percent < 0:
		return 0
	case percent > 100:
		return 100
	}
	return percent
}
