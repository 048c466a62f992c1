package config

import (
	"flag"
	"os"

	"github.com/buildbot/highscore/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-t string   chat listener bind address
//	-d string   database DSN
//	-q string   bus transport type ("simple" or "nats")
//	-n string   NATS URL
//	-l int      points half-life, hours
//
// The function first filters args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components. A nil args
// slice means os.Args[1:].
func parseFlags(config *Config, args []string) {
	if args == nil {
		args = os.Args[1:]
	}
	args = flagx.FilterArgs(args, []string{"-a", "-t", "-d", "-q", "-n", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "address and port for the web surface")
	fs.StringVar(&config.ChatAddr, "t", config.ChatAddr, "address and port for the chat listener")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.MQType, "q", config.MQType, "bus transport type")
	fs.StringVar(&config.NATSURL, "n", config.NATSURL, "NATS URL")

	halfLifeHours := fs.Int("l", int(config.PointsHalfLife.Hours()), "points half-life (in hours)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.PointsHalfLife = hoursToDuration(*halfLifeHours)
}
