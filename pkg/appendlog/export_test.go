package appendlog

import "github.com/downfa11-org/mmq/pkg/disk"

// SetCommitFunc replaces the segment commit step and returns a restore func.
func SetCommitFunc(fn func(seg *disk.Segment, sync bool) error) func() {
	old := commitSegment
	commitSegment = fn
	return func() { commitSegment = old }
}
