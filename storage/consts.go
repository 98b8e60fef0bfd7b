package storage

import (
	"time"

	"github.com/andrewalmighty/sharenode/build"
)

// UnfinishedExtension marks a partial download on disk: `<name>.unfinished`
// under the shared directory. CreateNew and the directory watcher both key
// off this suffix.
const UnfinishedExtension = "unfinished"

var (
	// maxInFlightChunks is R_MAX: the maximum number of chunk requests a
	// SharedFile may have outstanding at once.
	maxInFlightChunks = build.Select(build.Var{
		Standard: int(10),
		Dev:      int(10),
		Testing:  int(4),
	}).(int)

	// chunkRequestTimeout is T_CHUNK: how long an in-flight chunk request
	// may go unanswered before it is eligible to be reissued.
	chunkRequestTimeout = build.Select(build.Var{
		Standard: 20 * time.Second,
		Dev:      20 * time.Second,
		Testing:  300 * time.Millisecond,
	}).(time.Duration)

	// statusIdleTimeout is T_STATUS: how long a SharedFile may go without a
	// status-changing event before it reverts to Idle.
	statusIdleTimeout = build.Select(build.Var{
		Standard: 15 * time.Second,
		Dev:      15 * time.Second,
		Testing:  200 * time.Millisecond,
	}).(time.Duration)

	// maxSharedFiles is F_MAX: the maximum number of SharedFile records the
	// Manager will track at once.
	maxSharedFiles = build.Select(build.Var{
		Standard: int(5),
		Dev:      int(5),
		Testing:  int(3),
	}).(int)

	// directoryScanInterval is the 1 Hz cadence of the shared-directory
	// rescan.
	directoryScanInterval = build.Select(build.Var{
		Standard: 1 * time.Second,
		Dev:      1 * time.Second,
		Testing:  50 * time.Millisecond,
	}).(time.Duration)
)
