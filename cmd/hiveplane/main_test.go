package main

import (
	"flag"
	"testing"
)

// An explicit --ttl 0 must be distinguishable from an omitted flag: only
// the latter falls back to the workspace default lifetime.
func TestTTLFlagExplicitZeroIsNotDefault(t *testing.T) {
	newSet := func() *flag.FlagSet {
		fs := flag.NewFlagSet("intent", flag.ContinueOnError)
		fs.Float64("ttl", 0, "")
		return fs
	}

	fs := newSet()
	if err := fs.Parse([]string{"--ttl", "0"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !flagWasSet(fs, "ttl") {
		t.Fatal("explicit --ttl 0 not detected as set")
	}

	fs = newSet()
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if flagWasSet(fs, "ttl") {
		t.Fatal("omitted flag reported as set")
	}
}
