// cmd/hiveplane/main.go
//
// hiveplane is the command-line boundary for the file-backed agent
// coordination plane. Every subcommand marshals one primitive operation:
// it prints the success payload as JSON on stdout, or a tagged failure
// document {"kind", "message"} on stderr with exit status 1.
//
// Usage:
//
//	hiveplane send --from a1 --to a2 --content "..." [--urgency HIGH]
//	hiveplane listen --agent a2 [--all] [--limit 10]
//	hiveplane heard --message <id> --agent a2
//	hiveplane intent --agent a1 --description "..." [--files x,y] [--modules m] [--keywords k] [--ttl 4]
//	hiveplane conflicts --agent a1 [--files x,y] [--modules m] [--keywords k]
//	hiveplane release --intent <id>
//	hiveplane intents [--agent a1]
//	hiveplane propose --proposer a1 --title "..." --rule MAJORITY [--deadline 24h]
//	hiveplane vote --proposal <id> --agent a2 --vote APPROVE [--reason "..."]
//	hiveplane tally --proposal <id>
//	hiveplane resolve --proposal <id> [--force]
//	hiveplane event --type handoff --agents a1,a2 [--category c] [--outcome success] [--quality 0.9]
//	hiveplane patterns [--category c]
//	hiveplane suggest [--category c] [--agents a1,a2]
//	hiveplane commit --agent a1 --task "..." --files x,y
//	hiveplane prove --commitment <id>
//	hiveplane verify --commitment <id>
//	hiveplane record-task --agent a1 --category c [--success] [--quality 0.9] [--minutes 30]
//	hiveplane profile --agent a1
//	hiveplane best-agent --category c
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hiveplane/hiveplane/internal/config"
	"github.com/hiveplane/hiveplane/internal/intent"
	"github.com/hiveplane/hiveplane/internal/mailbox"
	"github.com/hiveplane/hiveplane/internal/patterns"
	"github.com/hiveplane/hiveplane/internal/profile"
	"github.com/hiveplane/hiveplane/internal/quorum"
	"github.com/hiveplane/hiveplane/internal/store"
	"github.com/hiveplane/hiveplane/internal/workproof"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "send":
		cmdSend(os.Args[2:])
	case "listen":
		cmdListen(os.Args[2:])
	case "heard":
		cmdHeard(os.Args[2:])
	case "intent":
		cmdIntent(os.Args[2:])
	case "conflicts":
		cmdConflicts(os.Args[2:])
	case "release":
		cmdRelease(os.Args[2:])
	case "intents":
		cmdIntents(os.Args[2:])
	case "propose":
		cmdPropose(os.Args[2:])
	case "vote":
		cmdVote(os.Args[2:])
	case "tally":
		cmdTally(os.Args[2:])
	case "resolve":
		cmdResolve(os.Args[2:])
	case "event":
		cmdEvent(os.Args[2:])
	case "patterns":
		cmdPatterns(os.Args[2:])
	case "suggest":
		cmdSuggest(os.Args[2:])
	case "commit":
		cmdCommit(os.Args[2:])
	case "prove":
		cmdProve(os.Args[2:])
	case "verify":
		cmdVerify(os.Args[2:])
	case "record-task":
		cmdRecordTask(os.Args[2:])
	case "profile":
		cmdProfile(os.Args[2:])
	case "best-agent":
		cmdBestAgent(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hiveplane <command> [flags]

Messaging:   send, listen, heard
Intents:     intent, conflicts, release, intents
Proposals:   propose, vote, tally, resolve
Patterns:    event, patterns, suggest
Work proofs: commit, prove, verify
Profiles:    record-task, profile, best-agent

Run 'hiveplane <command> -h' for command flags.
`)
}

// env holds the wired-up workspace a subcommand runs against.
type env struct {
	cfg   *config.Config
	store store.Store
	log   *slog.Logger
}

// parseEnv registers the shared flags on fs, parses args, and opens the
// configured store backend.
func parseEnv(fs *flag.FlagSet, args []string) *env {
	configPath := fs.String("config", "", "path to hiveplane.yaml (defaults apply when unset)")
	verbose := fs.Bool("v", false, "verbose logging")
	fs.Parse(args)

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fail(err)
		}
		cfg = loaded
	}

	st, err := openStore(cfg)
	if err != nil {
		fail(err)
	}
	return &env{cfg: cfg, store: st, log: logger}
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create storage root: %w", err)
		}
		return store.OpenSQLite(filepath.Join(cfg.StorageRoot, "hiveplane.db"))
	default:
		fs, err := store.NewFSStore(cfg.StorageRoot)
		if err != nil {
			return nil, err
		}
		fs.LockRetries = cfg.LockRetries
		fs.LockBackoff = cfg.LockBackoff()
		return fs, nil
	}
}

// failure is the tagged error document every internal error maps to.
type failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "NotFound"
	case errors.Is(err, store.ErrConflict):
		return "StorageConflict"
	case errors.Is(err, intent.ErrExpired):
		return "Expired"
	case errors.Is(err, quorum.ErrInvalidVote), errors.Is(err, quorum.ErrProposalClosed):
		return "InvalidVote"
	case errors.Is(err, quorum.ErrNotEligible):
		return "NotEligible"
	default:
		return "Internal"
	}
}

func fail(err error) {
	json.NewEncoder(os.Stderr).Encode(failure{Kind: kindOf(err), Message: err.Error()})
	os.Exit(1)
}

func emit(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail(err)
	}
}

// splitList parses a comma-separated flag value into a slice.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func cmdSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	from := fs.String("from", "", "sender agent id")
	to := fs.String("to", "", "recipient agent id")
	content := fs.String("content", "", "message body")
	urgency := fs.String("urgency", "NORMAL", "CRITICAL, HIGH, NORMAL, or LOW")
	e := parseEnv(fs, args)

	msg, err := mailbox.New(e.store, e.log).Send(*from, *to, *content, mailbox.Urgency(*urgency))
	if err != nil {
		fail(err)
	}
	emit(msg)
}

func cmdListen(args []string) {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	agent := fs.String("agent", "", "listening agent id")
	all := fs.Bool("all", false, "include messages already heard")
	limit := fs.Int("limit", 0, "maximum messages returned (0 = no cap)")
	e := parseEnv(fs, args)

	msgs, err := mailbox.New(e.store, e.log).Listen(*agent, !*all, *limit)
	if err != nil {
		fail(err)
	}
	emit(msgs)
}

func cmdHeard(args []string) {
	fs := flag.NewFlagSet("heard", flag.ExitOnError)
	message := fs.String("message", "", "message id")
	agent := fs.String("agent", "", "agent id")
	e := parseEnv(fs, args)

	if err := mailbox.New(e.store, e.log).MarkHeard(*message, *agent); err != nil {
		fail(err)
	}
	emit(map[string]string{"status": "heard"})
}

func cmdIntent(args []string) {
	fs := flag.NewFlagSet("intent", flag.ExitOnError)
	agent := fs.String("agent", "", "declaring agent id")
	description := fs.String("description", "", "what the agent intends to do")
	files := fs.String("files", "", "comma-separated file paths")
	modules := fs.String("modules", "", "comma-separated module names")
	keywords := fs.String("keywords", "", "comma-separated keywords")
	ttl := fs.Float64("ttl", 0, "intent lifetime in hours; omit for the workspace default, 0 or less declares an already-expired intent")
	e := parseEnv(fs, args)

	d := intent.NewDetector(e.store, e.cfg.IntentTTLHours, e.log)
	// Only an omitted flag falls back to the workspace default; an explicit
	// value, including 0, is taken literally.
	ttlHours := *ttl
	if !flagWasSet(fs, "ttl") {
		ttlHours = d.DefaultTTLHours()
	}
	it, conflicts, err := d.Declare(*agent, *description, splitList(*files), splitList(*modules), splitList(*keywords), ttlHours)
	if err != nil {
		fail(err)
	}
	emit(map[string]any{"intent": it, "conflicts": conflicts})
}

func cmdConflicts(args []string) {
	fs := flag.NewFlagSet("conflicts", flag.ExitOnError)
	agent := fs.String("agent", "", "checking agent id")
	files := fs.String("files", "", "comma-separated file paths")
	modules := fs.String("modules", "", "comma-separated module names")
	keywords := fs.String("keywords", "", "comma-separated keywords")
	e := parseEnv(fs, args)

	conflicts, err := intent.NewDetector(e.store, e.cfg.IntentTTLHours, e.log).
		CheckConflicts(*agent, splitList(*files), splitList(*modules), splitList(*keywords))
	if err != nil {
		fail(err)
	}
	emit(conflicts)
}

func cmdRelease(args []string) {
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	id := fs.String("intent", "", "intent id")
	e := parseEnv(fs, args)

	if err := intent.NewDetector(e.store, e.cfg.IntentTTLHours, e.log).Release(*id); err != nil {
		fail(err)
	}
	emit(map[string]string{"status": "released"})
}

func cmdIntents(args []string) {
	fs := flag.NewFlagSet("intents", flag.ExitOnError)
	agent := fs.String("agent", "", "filter to one agent (empty = all)")
	e := parseEnv(fs, args)

	live, err := intent.NewDetector(e.store, e.cfg.IntentTTLHours, e.log).Active(*agent)
	if err != nil {
		fail(err)
	}
	emit(live)
}

func cmdPropose(args []string) {
	fs := flag.NewFlagSet("propose", flag.ExitOnError)
	proposer := fs.String("proposer", "", "proposing agent id")
	title := fs.String("title", "", "proposal title")
	description := fs.String("description", "", "proposal body")
	category := fs.String("category", "", "proposal category")
	rule := fs.String("rule", "MAJORITY", "MAJORITY or UNANIMOUS")
	deadline := fs.Duration("deadline", 0, "voting window from now (0 = none)")
	e := parseEnv(fs, args)

	var due time.Time
	if *deadline > 0 {
		due = time.Now().Add(*deadline)
	}
	p, err := quorum.New(e.store, e.log).Propose(*proposer, *title, *description, *category, quorum.Rule(*rule), due)
	if err != nil {
		fail(err)
	}
	emit(p)
}

func cmdVote(args []string) {
	fs := flag.NewFlagSet("vote", flag.ExitOnError)
	proposal := fs.String("proposal", "", "proposal id")
	agent := fs.String("agent", "", "voting agent id")
	vote := fs.String("vote", "", "APPROVE, REJECT, or ABSTAIN")
	reason := fs.String("reason", "", "reasoning")
	e := parseEnv(fs, args)

	if err := quorum.New(e.store, e.log).Vote(*proposal, *agent, quorum.Ballot(*vote), *reason); err != nil {
		fail(err)
	}
	emit(map[string]string{"status": "voted"})
}

func cmdTally(args []string) {
	fs := flag.NewFlagSet("tally", flag.ExitOnError)
	proposal := fs.String("proposal", "", "proposal id")
	e := parseEnv(fs, args)

	t, err := quorum.New(e.store, e.log).GetTally(*proposal)
	if err != nil {
		fail(err)
	}
	emit(t)
}

func cmdResolve(args []string) {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	proposal := fs.String("proposal", "", "proposal id")
	force := fs.Bool("force", false, "resolve regardless of deadline")
	e := parseEnv(fs, args)

	res, err := quorum.New(e.store, e.log).Resolve(*proposal, *force)
	if err != nil {
		fail(err)
	}
	emit(res)
}

func cmdEvent(args []string) {
	fs := flag.NewFlagSet("event", flag.ExitOnError)
	eventType := fs.String("type", "", "event type")
	agents := fs.String("agents", "", "comma-separated agent ids, in order")
	category := fs.String("category", "", "context category")
	outcome := fs.String("outcome", "success", "success or failure")
	quality := fs.Float64("quality", 0.5, "quality score in [0,1]")
	e := parseEnv(fs, args)

	ctx := map[string]any{}
	if *category != "" {
		ctx["category"] = *category
	}
	ev, err := patterns.NewMiner(e.store, e.cfg.PatternMinOccurrences, e.log).
		RecordEvent(*eventType, splitList(*agents), ctx, patterns.Outcome(*outcome), *quality)
	if err != nil {
		fail(err)
	}
	emit(ev)
}

func cmdPatterns(args []string) {
	fs := flag.NewFlagSet("patterns", flag.ExitOnError)
	category := fs.String("category", "", "filter by context category")
	e := parseEnv(fs, args)

	mined, err := patterns.NewMiner(e.store, e.cfg.PatternMinOccurrences, e.log).Patterns(*category)
	if err != nil {
		fail(err)
	}
	emit(mined)
}

func cmdSuggest(args []string) {
	fs := flag.NewFlagSet("suggest", flag.ExitOnError)
	category := fs.String("category", "", "context category")
	agents := fs.String("agents", "", "comma-separated available agents")
	e := parseEnv(fs, args)

	ctx := map[string]any{}
	if *category != "" {
		ctx["category"] = *category
	}
	got, err := patterns.NewMiner(e.store, e.cfg.PatternMinOccurrences, e.log).Suggest(ctx, splitList(*agents))
	if err != nil {
		fail(err)
	}
	emit(got)
}

func cmdCommit(args []string) {
	fs := flag.NewFlagSet("commit", flag.ExitOnError)
	agent := fs.String("agent", "", "committing agent id")
	task := fs.String("task", "", "task description")
	files := fs.String("files", "", "comma-separated file paths to snapshot")
	e := parseEnv(fs, args)

	c, err := workproof.New(e.store, e.log).Commit(*agent, *task, splitList(*files))
	if err != nil {
		fail(err)
	}
	emit(c)
}

func cmdProve(args []string) {
	fs := flag.NewFlagSet("prove", flag.ExitOnError)
	commitment := fs.String("commitment", "", "commitment id")
	e := parseEnv(fs, args)

	p, err := workproof.New(e.store, e.log).Prove(*commitment)
	if err != nil {
		fail(err)
	}
	emit(p)
}

func cmdVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	commitment := fs.String("commitment", "", "commitment id of the stored proof")
	e := parseEnv(fs, args)

	p, err := workproof.New(e.store, e.log).GetProof(*commitment)
	if err != nil {
		fail(err)
	}
	ok, issues := workproof.Verify(p)
	emit(map[string]any{"is_valid": ok, "issues": issues})
}

func cmdRecordTask(args []string) {
	fs := flag.NewFlagSet("record-task", flag.ExitOnError)
	agent := fs.String("agent", "", "agent id")
	category := fs.String("category", "", "task category")
	description := fs.String("description", "", "what was done")
	files := fs.String("files", "", "comma-separated files touched")
	minutes := fs.Float64("minutes", 0, "duration in minutes")
	success := fs.Bool("success", false, "whether the task succeeded")
	quality := fs.Float64("quality", 0.5, "quality score in [0,1]")
	e := parseEnv(fs, args)

	rec, err := profile.NewRegistry(e.store, e.cfg.StrengthThreshold, e.cfg.StrengthMinSamples, e.log).
		RecordTask(*agent, *category, *description, splitList(*files), *minutes, *success, *quality)
	if err != nil {
		fail(err)
	}
	emit(rec)
}

func cmdProfile(args []string) {
	fs := flag.NewFlagSet("profile", flag.ExitOnError)
	agent := fs.String("agent", "", "agent id")
	e := parseEnv(fs, args)

	p, ok, err := profile.NewRegistry(e.store, e.cfg.StrengthThreshold, e.cfg.StrengthMinSamples, e.log).GetProfile(*agent)
	if err != nil {
		fail(err)
	}
	if !ok {
		fail(fmt.Errorf("profile for %s: %w", *agent, store.ErrNotFound))
	}
	emit(p)
}

func cmdBestAgent(args []string) {
	fs := flag.NewFlagSet("best-agent", flag.ExitOnError)
	category := fs.String("category", "", "task category")
	e := parseEnv(fs, args)

	best, err := profile.NewRegistry(e.store, e.cfg.StrengthThreshold, e.cfg.StrengthMinSamples, e.log).FindBestAgent(*category)
	if err != nil {
		fail(err)
	}
	emit(map[string]string{"agent_id": best})
}

// flagWasSet reports whether the user passed the named flag explicitly.
func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
