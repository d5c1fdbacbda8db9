//go:build linux || darwin

package main

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/nerrad567/cloudcontrol-core/internal/infrastructure/logging"
)

func readLimits() hostLimits {
	limits := hostLimits{CPUs: runtime.NumCPU()}

	var nofile unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &nofile); err != nil {
		return limits
	}
	limits.FileSoft = nofile.Cur
	limits.FileHard = nofile.Max

	var nproc unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NPROC, &nproc); err == nil {
		limits.ProcSoft = nproc.Cur
	}
	limits.Supported = true
	return limits
}

// raiseFileLimit lifts the open file soft limit towards the hard limit so
// the pool plus listeners fit. Failure only logs.
func raiseFileLimit(log *logging.Logger, maxConnections int) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		log.Warn("reading open file limit", "error", err)
		return
	}

	want := uint64(recommendedFileLimit)
	if n := uint64(maxConnections) * 2; n > want {
		want = n
	}
	if want > lim.Max {
		want = lim.Max
	}
	if lim.Cur >= want {
		return
	}

	old := lim.Cur
	lim.Cur = want
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		log.Warn("raising open file limit", "current", old, "wanted", want, "error", err)
		return
	}
	log.Info("raised open file limit", "from", old, "to", want)
}
