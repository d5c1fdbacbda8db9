package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/cloudcontrol-core/internal/infrastructure/config"
)

const (
	// devicesPerCPU is the rough number of handsets one core can serve.
	devicesPerCPU = 250

	// targetDevices is the farm size Core is tuned for.
	targetDevices = 1000

	// minFileLimit is the open file soft limit below which Core warns.
	minFileLimit = 10000

	// recommendedFileLimit is suggested when the soft limit is too low.
	recommendedFileLimit = 65535
)

func newConfigCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(newConfigShowCmd(load), newConfigCheckCmd(load))
	return cmd
}

func newConfigShowCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newConfigCheckCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and report host capacity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := load()
			if err != nil {
				return err
			}
			if path == "" {
				path = "built-in defaults"
			}
			return writeCapacityReport(cmd.OutOrStdout(), cfg, path, readLimits())
		},
	}
}

// hostLimits are the process limits that bound how many devices fit.
type hostLimits struct {
	CPUs      int
	FileSoft  uint64
	FileHard  uint64
	ProcSoft  uint64
	Supported bool
}

// capacityReport summarises whether the host can serve the target farm.
type capacityReport struct {
	EstimatedDevices int
	Warnings         []string
}

func assessCapacity(cfg *config.Config, limits hostLimits) capacityReport {
	r := capacityReport{EstimatedDevices: limits.CPUs * devicesPerCPU}

	if limits.Supported && limits.FileSoft < minFileLimit {
		r.Warnings = append(r.Warnings, fmt.Sprintf(
			"open file limit %d is below %d; raise it with: ulimit -n %d",
			limits.FileSoft, minFileLimit, recommendedFileLimit))
	}
	if limits.Supported && limits.FileSoft < uint64(cfg.Session.Pool.MaxConnections) {
		r.Warnings = append(r.Warnings, fmt.Sprintf(
			"open file limit %d cannot hold %d pooled connections",
			limits.FileSoft, cfg.Session.Pool.MaxConnections))
	}
	if r.EstimatedDevices < targetDevices {
		r.Warnings = append(r.Warnings, fmt.Sprintf(
			"%d CPUs serve an estimated %d devices, below the %d device target",
			limits.CPUs, r.EstimatedDevices, targetDevices))
	}
	return r
}

func writeCapacityReport(w io.Writer, cfg *config.Config, source string, limits hostLimits) error {
	report := assessCapacity(cfg, limits)

	var b []byte
	b = fmt.Appendf(b, "configuration: ok (%s)\n", source)
	b = fmt.Appendf(b, "cpus: %d\n", limits.CPUs)
	if limits.Supported {
		b = fmt.Appendf(b, "open files: soft %d, hard %d\n", limits.FileSoft, limits.FileHard)
		b = fmt.Appendf(b, "processes: soft %d\n", limits.ProcSoft)
	} else {
		b = fmt.Appendf(b, "process limits: unavailable on %s\n", runtime.GOOS)
	}
	b = fmt.Appendf(b, "pool: %d connections, %d per device\n",
		cfg.Session.Pool.MaxConnections, cfg.Session.Pool.MaxPerDevice)
	b = fmt.Appendf(b, "estimated capacity: %d devices\n", report.EstimatedDevices)
	for _, warning := range report.Warnings {
		b = fmt.Appendf(b, "warning: %s\n", warning)
	}

	_, err := w.Write(b)
	return err
}
