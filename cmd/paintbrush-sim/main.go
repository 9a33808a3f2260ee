// Command paintbrush-sim boots the loader pipeline against a simulated
// machine: flat memory, a canned memory map and goroutine application
// processors. It exists to exercise the whole pipeline from a shell; real
// hardware swaps the simulator for the platform firmware services.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/ctfhacker/paintbrush/config"
	"github.com/ctfhacker/paintbrush/firmware/fwsim"
	"github.com/ctfhacker/paintbrush/image"
	"github.com/ctfhacker/paintbrush/kernel"
	"github.com/ctfhacker/paintbrush/kfmt"
	"github.com/ctfhacker/paintbrush/loader"
	"github.com/ctfhacker/paintbrush/mem"
)

func main() {
	var (
		memMb      = flag.Uint64("mem", 1024, "simulated physical memory in MiB")
		cores      = flag.Int("cores", 4, "simulated logical cores")
		kernelPath = flag.String("kernel", "", "host path of a PE kernel image; built-in sample when empty")
		configPath = flag.String("config", "", "host path of a paintbrush.yaml to serve over the boot transport")
	)
	flag.Parse()

	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: os.Stdout, Prefix: []byte("sim| ")})

	if err := run(*memMb, *cores, *kernelPath, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "paintbrush-sim: [%s] %s\n", err.Module, err.Message)
		os.Exit(1)
	}
}

func run(memMb uint64, cores int, kernelPath, configPath string) *kernel.Error {
	m, err := fwsim.New(memMb*uint64(mem.Mb), cores)
	if err != nil {
		return err
	}

	if configPath != "" {
		body, ioErr := os.ReadFile(configPath)
		if ioErr != nil {
			return config.ErrBadConfig
		}
		m.AddFile(config.ConfigFileName, body)
	}

	var chain kernel.Chain
	cfg, err := config.Load(m, &chain)
	if err != nil {
		return err
	}

	kernelImage := fwsim.SampleKernel()
	if kernelPath != "" {
		body, ioErr := os.ReadFile(kernelPath)
		if ioErr != nil {
			return image.ErrInvalidImage
		}
		kernelImage = body
	}
	m.AddFile(cfg.KernelPath, kernelImage)

	kfmt.Printf("[sim] machine: %s memory, %d cores\n",
		humanize.IBytes(memMb*uint64(mem.Mb)), cores)

	report, err := loader.Boot(m, m, &cfg)
	if err != nil {
		return err
	}
	m.Wait()

	kfmt.Printf("[sim] boot complete: %d/%d cores active, %d timed out, %d failed, entry 0x%x\n",
		report.ActiveCores, report.Cores, report.TimedOut, report.Failed,
		uint64(report.KernelEntry))
	return nil
}
