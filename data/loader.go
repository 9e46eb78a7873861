package data

import (
	"context"
	"math/rand"

	"golang.org/x/sync/errgroup"
)

// Loader walks a dataset once per epoch, optionally in a fresh shuffled
// order, prefetching batches on a background goroutine.
type Loader struct {
	ds       Dataset
	shuffle  bool
	rng      *rand.Rand
	prefetch int
}

// NewLoader creates a loader. prefetch bounds how many batches may wait in
// the queue; values below 1 are treated as 1.
func NewLoader(ds Dataset, shuffle bool, seed int64, prefetch int) *Loader {
	if prefetch < 1 {
		prefetch = 1
	}
	return &Loader{ds: ds, shuffle: shuffle, rng: rand.New(rand.NewSource(seed)), prefetch: prefetch}
}

// Len is the number of batches per epoch.
func (l *Loader) Len() int { return l.ds.Len() }

// Epoch starts one pass over the dataset. The caller must Close the
// iterator, also when it stops early.
func (l *Loader) Epoch(ctx context.Context) *Iterator {
	return l.EpochN(ctx, l.ds.Len())
}

// EpochN is Epoch limited to the first n positions of the epoch order. The
// producer never fetches past n, so a dataset that draws randomness in Item
// sees the same calls no matter how far the prefetch could have run ahead.
// Cancelling ctx makes the iterator end with ctx's error.
func (l *Loader) EpochN(ctx context.Context, n int) *Iterator {
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	if n >= 0 && n < len(order) {
		order = order[:n]
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	ch := make(chan *Batch, l.prefetch)
	g.Go(func() error {
		defer close(ch)
		for _, i := range order {
			if err := parent.Err(); err != nil {
				return err
			}
			b, err := l.ds.Item(i)
			if err != nil {
				return err
			}
			select {
			case ch <- b:
			case <-ctx.Done():
				// Close stopping early is not an error; the caller's cancel is
				return parent.Err()
			}
		}
		return nil
	})
	return &Iterator{ch: ch, g: g, cancel: cancel, idx: -1, want: len(order)}
}

// Iterator yields the batches of one epoch in order.
type Iterator struct {
	ch     chan *Batch
	g      *errgroup.Group
	cancel context.CancelFunc
	cur    *Batch
	idx    int
	err    error
	done   bool
	want   int
}

// Next advances to the next batch.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	b, ok := <-it.ch
	if !ok {
		it.finish()
		return false
	}
	it.cur = b
	it.idx++
	return true
}

// Batch returns the current batch.
func (it *Iterator) Batch() *Batch { return it.cur }

// Index returns the position of the current batch within the epoch.
func (it *Iterator) Index() int { return it.idx }

// Complete reports whether every batch of the epoch was delivered.
func (it *Iterator) Complete() bool { return it.idx+1 == it.want }

// Close stops the producer and waits for it.
func (it *Iterator) Close() error {
	if !it.done {
		it.cancel()
		for range it.ch {
		}
		it.finish()
	}
	return it.err
}

func (it *Iterator) finish() {
	it.done = true
	it.err = it.g.Wait()
	it.cancel()
}
