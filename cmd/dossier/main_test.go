package main

import (
	"testing"

	"github.com/ohsnyt/dossier/internal/store"
)

func TestParseArgs(t *testing.T) {
	opts, err := parseArgs([]string{"calendar", "--db", "/tmp/x.db", "--threshold", "0.7", "--all"})
	if err != nil {
		t.Fatalf("parseArgs failed: %v", err)
	}
	if len(opts.rest) != 1 || opts.rest[0] != "calendar" {
		t.Errorf("rest = %v", opts.rest)
	}
	if opts.dbPath != "/tmp/x.db" {
		t.Errorf("dbPath = %q", opts.dbPath)
	}
	if opts.threshold != 0.7 {
		t.Errorf("threshold = %f", opts.threshold)
	}
	if !opts.all {
		t.Error("--all not parsed")
	}
}

func TestParseArgsMissingValue(t *testing.T) {
	if _, err := parseArgs([]string{"--db"}); err == nil {
		t.Fatal("expected error for dangling flag")
	}
}

func TestParseArgsUnknownFlag(t *testing.T) {
	if _, err := parseArgs([]string{"--bogus"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestDescribeTarget(t *testing.T) {
	cases := map[string]store.InsightTarget{
		"person:p1":  {PersonID: "p1"},
		"context:c1": {ContextID: "c1"},
		"product:x":  {ProductID: "x"},
		"none":       {},
	}
	for want, target := range cases {
		if got := describeTarget(target); got != want {
			t.Errorf("describeTarget(%+v) = %q, want %q", target, got, want)
		}
	}
}
