package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Shasikumar10/Chat-App/internal/daemon"
	"github.com/Shasikumar10/Chat-App/internal/instance"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.chatd/config.toml)")
	envFlag := flag.String("env-file", ".env", "dotenv file applied on top of the config")
	levelFlag := flag.String("log-level", "info", "minimum log level")
	flag.Parse()

	name := instance.Resolve(*instanceFlag)
	if err := instance.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Instance:   name,
			ConfigPath: *configFlag,
			EnvFile:    *envFlag,
			LogLevel:   *levelFlag,
		}),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	)

	app.Run()
}
