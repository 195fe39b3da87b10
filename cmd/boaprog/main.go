// Command boaprog is the host-side CLI for the boaprog link: identify,
// ping, read/write memory, jump/call, and upload ELF binaries to a
// target over a serial bootloader connection (spec.md §6). Structure —
// a flag var block, log.SetFlags once, signal-driven cleanup — follows
// the teacher's cmd/bluetooth-service/main.go.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/boaprog/boaprog/pkg/boaclient"
	"github.com/boaprog/boaprog/pkg/elfload"
	"github.com/boaprog/boaprog/pkg/telemetry"
	"github.com/boaprog/boaprog/pkg/transport"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg, args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(1)
	}
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	port, err := transport.Open(cfg.device, cfg.baud)
	if err != nil {
		log.Fatalf("open %s: %v", cfg.device, err)
	}

	tr := transport.New(port)
	tr.ShowHex = cfg.showHex
	tr.DumpDir = cfg.dumpDir
	client := boaclient.New(tr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			log.Printf("boaprog: interrupted, closing %s", cfg.device)
			port.Close()
			os.Exit(1)
		case <-done:
		}
	}()
	defer func() { close(done); port.Close() }()

	if cfg.initialSpeed != 0 {
		if err := client.ChangeSpeed(cfg.initialSpeed); err != nil {
			log.Printf("boaprog: initial speed negotiation to %d bps failed: %v", cfg.initialSpeed, err)
		}
	}

	cmd, rest := args[0], args[1:]
	if cmd == "daemon" {
		runDaemon(client, cfg, rest)
		return
	}

	if err := runOnce(client, cmd, rest); err != nil {
		log.Fatalf("boaprog: %s: %v", cmd, err)
	}
}

// runOnce executes a single CLI command against an already-connected
// client, per spec.md §6's command table.
func runOnce(client *boaclient.Client, cmd string, args []string) error {
	switch cmd {
	case "upload", "run":
		if len(args) != 1 {
			return fmt.Errorf("usage: boaprog %s <program-file>", cmd)
		}
		return client.UploadFile(elfload.New(), args[0], cmd == "run")

	case "id":
		id, err := client.Identify()
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil

	case "ping":
		if err := client.Ping(); err != nil {
			return err
		}
		fmt.Println("ping ok")
		return nil

	case "jump", "call":
		if len(args) != 1 {
			return fmt.Errorf("usage: boaprog %s <hex-addr>", cmd)
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		if cmd == "jump" {
			return client.Jump(addr)
		}
		return client.Call(addr)

	case "read":
		if len(args) < 2 || len(args) > 3 {
			return fmt.Errorf("usage: boaprog read <hex-addr> <len> [outfile]")
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		length, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return fmt.Errorf("invalid length %q: %w", args[1], err)
		}
		data, err := client.Read(addr, uint32(length))
		if err != nil {
			return err
		}
		if len(args) == 3 {
			return os.WriteFile(args[2], data, 0o644)
		}
		hexdump(os.Stdout, addr, data)
		return nil

	case "write":
		if len(args) != 3 {
			return fmt.Errorf("usage: boaprog write <hex-addr> <len> <file|num>")
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		length, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return fmt.Errorf("invalid length %q: %w", args[1], err)
		}
		data, err := writeSource(args[2], int(length))
		if err != nil {
			return err
		}
		return client.Write(addr, data)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// writeSource resolves the write command's third argument: an existing
// file's contents (truncated or zero-padded to length), or a repeated
// byte value if it parses as a number.
func writeSource(arg string, length int) ([]byte, error) {
	if contents, err := os.ReadFile(arg); err == nil {
		buf := make([]byte, length)
		copy(buf, contents)
		return buf, nil
	}
	val, err := strconv.ParseUint(arg, 0, 8)
	if err != nil {
		return nil, fmt.Errorf("%q is neither a readable file nor a byte value: %w", arg, err)
	}
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = byte(val)
	}
	return buf, nil
}

func hexdump(w *os.File, base uint32, data []byte) {
	for offset := 0; offset < len(data); offset += 16 {
		end := offset + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Fprintf(w, "%08x  % x\n", base+uint32(offset), data[offset:end])
	}
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hexadecimal address %q: %w", s, err)
	}
	return uint32(v), nil
}

// runDaemon blocks on telemetry.WatchJobs, dispatching each job to client
// and publishing the outcome, until SIGINT/SIGTERM.
func runDaemon(client *boaclient.Client, cfg config, args []string) {
	if cfg.redisAddr == "" {
		log.Fatalf("boaprog daemon: --redis-addr is required")
	}
	tc, err := telemetry.New(cfg.redisAddr, cfg.redisPass, cfg.redisDB)
	if err != nil {
		log.Fatalf("boaprog daemon: %v", err)
	}
	defer tc.Close()
	log.Printf("boaprog daemon: connected to redis at %s", cfg.redisAddr)

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(stop)
	}()

	tc.WatchJobs(stop, func(job telemetry.Job) {
		ev := telemetry.Event{Op: job.Op}
		result, err := dispatchJob(client, job)
		if err != nil {
			ev.Error = err.Error()
		} else {
			ev.OK = true
			ev.Result = result
		}
		if pubErr := tc.PublishEvent(ev); pubErr != nil {
			log.Printf("boaprog daemon: publish event for %s: %v", job.Op, pubErr)
		}
	})
}

func dispatchJob(client *boaclient.Client, job telemetry.Job) ([]byte, error) {
	switch job.Op {
	case "ping":
		return nil, client.Ping()
	case "id":
		id, err := client.Identify()
		return []byte(id), err
	case "read":
		return client.Read(job.Addr, job.Length)
	case "write":
		return nil, client.Write(job.Addr, job.Data)
	case "jump":
		return nil, client.Jump(job.Addr)
	case "call":
		return nil, client.Call(job.Addr)
	case "upload", "run":
		return nil, client.UploadFile(elfload.New(), job.Path, job.Op == "run")
	default:
		return nil, fmt.Errorf("unknown job op %q", job.Op)
	}
}

type config struct {
	device       string
	baud         int
	dumpDir      string
	showHex      bool
	initialSpeed int
	redisAddr    string
	redisPass    string
	redisDB      int
}

// parseArgs reads the flag set plus the two spec-mandated environment
// variables (BOAPROG_SPEED, SHOW_HEX) and returns the remaining
// positional arguments: <command> [args...].
func parseArgs(argv []string) (config, []string, error) {
	fs := newFlagSet()
	if err := fs.set.Parse(argv); err != nil {
		return config{}, nil, err
	}

	cfg := config{
		device:    *fs.device,
		baud:      *fs.baud,
		dumpDir:   *fs.dumpDir,
		redisAddr: *fs.redisAddr,
		redisPass: *fs.redisPass,
		redisDB:   *fs.redisDB,
	}
	if v := os.Getenv("BOAPROG_SPEED"); v != "" {
		speed, err := strconv.Atoi(v)
		if err != nil {
			return config{}, nil, fmt.Errorf("BOAPROG_SPEED=%q: %w", v, err)
		}
		cfg.initialSpeed = speed
	}
	cfg.showHex = os.Getenv("SHOW_HEX") != ""

	return cfg, fs.set.Args(), nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "    boaprog [flags] upload <program-file>")
	fmt.Fprintln(os.Stderr, "    boaprog [flags] run <program-file>")
	fmt.Fprintln(os.Stderr, "    boaprog [flags] id")
	fmt.Fprintln(os.Stderr, "    boaprog [flags] ping")
	fmt.Fprintln(os.Stderr, "    boaprog [flags] jump <hex-addr>")
	fmt.Fprintln(os.Stderr, "    boaprog [flags] call <hex-addr>")
	fmt.Fprintln(os.Stderr, "    boaprog [flags] read <hex-addr> <len> [outfile]")
	fmt.Fprintln(os.Stderr, "    boaprog [flags] write <hex-addr> <len> <file|num>")
	fmt.Fprintln(os.Stderr, "    boaprog [flags] daemon")
}
