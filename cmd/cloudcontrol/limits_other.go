//go:build !linux && !darwin

package main

import (
	"runtime"

	"github.com/nerrad567/cloudcontrol-core/internal/infrastructure/logging"
)

func readLimits() hostLimits {
	return hostLimits{CPUs: runtime.NumCPU()}
}

func raiseFileLimit(*logging.Logger, int) {}
