package compositor

import "time"

// Clock abstracts time for stall detection so tests can drive the compositor
// deterministically. The transport clock that timestamps frames lives on the
// producer side; the compositor only compares those timestamps against its
// own notion of now.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
