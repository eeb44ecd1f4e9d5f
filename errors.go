package smr

import (
	"fmt"
	"log"
)

// Panicf reports an invariant violation. Every fatal case in spec.md §7 —
// a non-monotone client request number skipping by more than one, a log
// prepare with a gap, a commit on an unprepared index, a primary receiving
// a message only its author could produce — goes through here so the
// abort path is grep-able in one place.
func Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

// Fatalf is Panicf's process-ending twin for conditions that should not
// even unwind (deserialization failure on a link this repo treats as
// trusted, an unknown destination inside the simulator).
func Fatalf(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}
