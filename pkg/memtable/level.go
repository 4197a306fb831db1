package memtable

import "github.com/zhangyunhao116/fastrand"

// randomLevel draws a level in [0, maxLevel-1] with ~50% probability per
// level: start at 0, keep incrementing while a coin flip comes up heads,
// stop on tails or at the ceiling. fastrand keeps per-goroutine state
// internally, matching the thread-local generator the reference seeds once
// per thread.
func randomLevel() int {
	level := 0
	for level < maxLevel-1 && fastrand.Uint32()&1 == 1 {
		level++
	}
	return level
}
