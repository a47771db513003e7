package common

import (
	"time"
)

var RealWorldState = WorldState{
	Now: time.Now,
}

// WorldState holds what code would otherwise read from the environment, so that tests can pin it
type WorldState struct {
	Now func() time.Time
}

func WorldOfTime(t time.Time) WorldState {
	return WorldState{
		Now: func() time.Time { return t },
	}
}
