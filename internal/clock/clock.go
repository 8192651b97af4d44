package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts time for components that schedule work.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func NewSystemClock() Clock { return systemClock{} }

// Module provides the system clock.
var Module = fx.Provide(NewSystemClock)
