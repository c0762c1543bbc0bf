// Command kmemsim boots the memory management subsystem on a simulated
// machine and exercises it.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"kernmem/kernel/kfmt"
	"kernmem/kernel/kmem"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file; defaults are used if empty")
	logLevel   = flag.String("log-level", "", "override the configured log level")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(Boot), "")
	subcommands.Register(new(Stress), "")
	subcommands.Register(new(Ptab), "")

	flag.Parse()
	kfmt.SetOutputSink(os.Stderr)

	os.Exit(int(subcommands.Execute(context.Background())))
}

// loadConfig returns the configuration selected by the global flags.
func loadConfig() (kmem.Config, error) {
	cfg := kmem.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = kmem.LoadConfig(*configPath); err != nil {
			return cfg, err
		}
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	return cfg, cfg.Validate()
}

// boot loads the configuration and initializes the subsystem.
func boot() (*kmem.System, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return kmem.Init(cfg)
}

// Errorf logs the error and returns subcommands.ExitFailure.
func Errorf(format string, args ...interface{}) subcommands.ExitStatus {
	kfmt.Module("kmemsim").Errorf(format, args...)
	return subcommands.ExitFailure
}
