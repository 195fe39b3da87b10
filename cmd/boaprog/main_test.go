package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestParseAddrAcceptsHexAndDecimal(t *testing.T) {
	if got, err := parseAddr("0x80001000"); err != nil || got != 0x80001000 {
		t.Fatalf("parseAddr(0x80001000) = %#x, %v", got, err)
	}
	if got, err := parseAddr("2147487744"); err != nil || got != 0x80001000 {
		t.Fatalf("parseAddr(2147487744) = %#x, %v", got, err)
	}
	if _, err := parseAddr("not-hex"); err == nil {
		t.Fatal("expected an error for a non-numeric address")
	}
}

func TestWriteSourceFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := writeSource(path, 5)
	if err != nil {
		t.Fatalf("writeSource: %v", err)
	}
	want := []byte{1, 2, 3, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("writeSource = %v, want %v", got, want)
	}
}

func TestWriteSourceFromNumber(t *testing.T) {
	got, err := writeSource("0xAB", 4)
	if err != nil {
		t.Fatalf("writeSource: %v", err)
	}
	want := []byte{0xAB, 0xAB, 0xAB, 0xAB}
	if !bytes.Equal(got, want) {
		t.Fatalf("writeSource = %v, want %v", got, want)
	}
}

func TestWriteSourceRejectsGarbage(t *testing.T) {
	if _, err := writeSource("not-a-file-or-number", 4); err == nil {
		t.Fatal("expected an error")
	}
}

func TestParseArgsReadsEnvironment(t *testing.T) {
	t.Setenv("BOAPROG_SPEED", "115200")
	t.Setenv("SHOW_HEX", "1")

	cfg, args, err := parseArgs([]string{"-port", "/dev/ttyTEST", "ping"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.device != "/dev/ttyTEST" {
		t.Fatalf("device = %q, want /dev/ttyTEST", cfg.device)
	}
	if cfg.initialSpeed != 115200 {
		t.Fatalf("initialSpeed = %d, want 115200", cfg.initialSpeed)
	}
	if !cfg.showHex {
		t.Fatal("showHex = false, want true")
	}
	if len(args) != 1 || args[0] != "ping" {
		t.Fatalf("args = %v, want [ping]", args)
	}
}
