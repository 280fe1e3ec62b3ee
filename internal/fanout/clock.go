package fanout

import (
	"math/rand/v2"
	"time"
)

// Clock abstracts the time source so collection windows and response
// timeouts are controllable in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

type realTimer struct{ t *time.Timer }

func (t realTimer) Stop() bool { return t.t.Stop() }

// Rand is the randomness source used for agent ordering.
type Rand interface {
	Intn(n int) int
}

type realRand struct{}

func (realRand) Intn(n int) int { return rand.IntN(n) }

// shuffle performs an in-place Fisher–Yates shuffle drawing from r.
func shuffle[T any](r Rand, xs []T) {
	for i := len(xs) - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		xs[i], xs[j] = xs[j], xs[i]
	}
}
