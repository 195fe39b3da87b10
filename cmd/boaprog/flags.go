package main

import (
	"flag"

	"github.com/boaprog/boaprog/pkg/transport"
)

// flagSet bundles boaprog's flag.FlagSet with its var pointers, the same
// flag var block shape as the teacher's cmd/bluetooth-service/main.go,
// wrapped in a constructor so main can call flag.Parse once per process
// without relying on the global flag.CommandLine across tests.
type flagSet struct {
	set *flag.FlagSet

	device    *string
	baud      *int
	dumpDir   *string
	redisAddr *string
	redisPass *string
	redisDB   *int
}

func newFlagSet() *flagSet {
	fs := flag.NewFlagSet("boaprog", flag.ExitOnError)
	f := &flagSet{set: fs}
	f.device = fs.String("port", "/dev/ttyUSB0", "serial port device")
	f.baud = fs.Int("baud", transport.DefaultBaud, "serial baud rate")
	f.dumpDir = fs.String("dump-dir", "", "directory for retries-exhausted diagnostic dumps")
	f.redisAddr = fs.String("redis-addr", "", "redis address (required for the daemon command)")
	f.redisPass = fs.String("redis-pass", "", "redis password")
	f.redisDB = fs.Int("redis-db", 0, "redis database number")
	return f
}
