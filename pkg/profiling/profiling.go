// Package profiling writes pprof profiles for the duration of a command,
// mostly to look at a long-running hub under load.
package profiling

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Profiler owns the --cpu-profile and --mem-profile flags.
type Profiler struct {
	cpuPath string
	memPath string
	cpuFile *os.File
	logger  *logrus.Entry
}

// New returns a Profiler logging through logger.
func New(logger *logrus.Entry) *Profiler {
	return &Profiler{logger: logger}
}

// AddFlags registers the profiling flags on cmd and its subcommands.
func (p *Profiler) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&p.cpuPath, "cpu-profile", "", "Write a CPU profile to file")
	cmd.PersistentFlags().StringVar(&p.memPath, "mem-profile", "", "Write a heap profile to file on exit")
}

// Start begins CPU profiling when requested. Use it as PersistentPreRunE.
func (p *Profiler) Start(*cobra.Command, []string) error {
	if p.cpuPath == "" {
		return nil
	}
	f, err := os.Create(p.cpuPath)
	if err != nil {
		return fmt.Errorf("could not create CPU profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("could not start CPU profile: %w", err)
	}
	p.cpuFile = f
	return nil
}

// Stop finishes the CPU profile and writes the heap profile. It is safe
// to call when nothing was started.
func (p *Profiler) Stop() {
	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		p.cpuFile.Close()
		p.cpuFile = nil
		p.logger.WithField("path", p.cpuPath).Info("CPU profile written")
	}

	if p.memPath == "" {
		return
	}
	f, err := os.Create(p.memPath)
	if err != nil {
		p.logger.WithError(err).Error("Could not create memory profile")
		return
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		p.logger.WithError(err).Error("Could not write memory profile")
		return
	}
	p.logger.WithField("path", p.memPath).Info("Memory profile written")
}
