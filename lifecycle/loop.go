// Package lifecycle supervises the card reader subsystem: it owns the
// subsystem and reader handles, interprets driver events, publishes reader
// state to observers and rebuilds the subsystem when it fails.
//
// Every reaction runs on a single event loop goroutine, so the reader
// state, the recovery counter and the handles are never shared.
package lifecycle

import (
	"time"

	"github.com/dotside-studios/davi-pcsc-bridge/nfc"
)

// Loop schedules work onto the single reaction goroutine.
type Loop interface {
	// Post queues fn to run on the loop.
	Post(fn func())

	// AfterFunc runs fn on the loop after d.
	AfterFunc(d time.Duration, fn func()) nfc.Timer

	// Go runs work off the loop, then runs then on the loop.
	Go(work func(), then func())

	// Now returns the loop's current time.
	Now() time.Time
}
