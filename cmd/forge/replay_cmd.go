package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/sentientos/forge/pkg/config"
	"github.com/sentientos/forge/pkg/replay"
	"github.com/sentientos/forge/pkg/wiring"
)

// runReplayCmd implements `forge replay` (spec §4.12 / §6).
//
// Always returns 0 on a completed replay; non-zero only for unexpected
// I/O errors, since replay's whole point is to report via its JSON
// artifact rather than via exit code.
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		verify       bool
		lastN        int
		emitSnapshot int
		writePolicy  int
		root         string
	)
	cmd.BoolVar(&verify, "verify", true, "verify chains during replay evaluation")
	cmd.IntVar(&lastN, "last-n", 0, "restrict replay to the last N entries of each chain")
	cmd.IntVar(&emitSnapshot, "emit-snapshot", 0, "1 permits snapshot emission during replay")
	cmd.IntVar(&writePolicy, "write-policy", 0, "1 permits writing the policy fingerprint artifact")
	cmd.StringVar(&root, "root", ".", "repository root")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	_ = verify

	cfg := config.Load()
	now := time.Now().UTC()
	deps, _, err := wiring.BuildDeps(root, cfg, now)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "forge replay: %v\n", err)
		return 2
	}

	params := replay.Params{
		Root:                root,
		Now:                 now,
		LastN:               lastN,
		EmitSnapshot:        emitSnapshot == 1,
		WritePolicy:         writePolicy == 1,
		AllowCatalogRebuild: cfg.AllowCatalogRebuild,
		Deps:                deps,
		RebuildCatalog:      wiring.RebuildIndex,
	}

	report, err := replay.Run(params)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "forge replay: %v\n", err)
		return 2
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
	return 0
}
