// Binary mmsim boots the memory manager on a simulated x86_64 machine and
// drives it with scripted or randomized workloads.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var (
	debug     = flag.Bool("debug", false, "enable debug logging, including the kernel log")
	logFormat = flag.String("log-format", "text", "log format: text or json")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Boot), "")
	subcommands.Register(new(Run), "")
	subcommands.Register(new(Stress), "")

	flag.Parse()

	switch *logFormat {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		Fatalf("invalid log format %q", *logFormat)
	}
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
