// Package maintenance inspects study journals and read models offline:
// projection lag, hash chain integrity and replay comparison.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	entrypoint "github.com/clinprecision/clinops/internal/platform/cmd"
	"github.com/clinprecision/clinops/internal/services/study/domain/study"
	"github.com/clinprecision/clinops/internal/services/study/projection"
	"github.com/clinprecision/clinops/internal/services/study/storage"
	"github.com/clinprecision/clinops/internal/services/study/storage/integrity"
	"github.com/clinprecision/clinops/internal/services/study/storage/memory"
	"github.com/clinprecision/clinops/internal/services/study/storage/sqlite"
)

// Config holds maintenance command configuration.
type Config struct {
	StreamID          string
	StreamIDs         string
	All               bool
	EventsDBPath      string        `env:"CLINOPS_STUDY_EVENTS_DB_PATH"`
	ProjectionsDBPath string        `env:"CLINOPS_STUDY_PROJECTIONS_DB_PATH"`
	Timeout           time.Duration `env:"CLINOPS_MAINTENANCE_TIMEOUT" envDefault:"10m"`
	Integrity         bool
	Compare           bool
	WarningsCap       int
	JSONOutput        bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{WarningsCap: 25}
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.EventsDBPath == "" {
		cfg.EventsDBPath = filepath.Join("data", "study-events.db")
	}
	if cfg.ProjectionsDBPath == "" {
		cfg.ProjectionsDBPath = filepath.Join("data", "study-projections.db")
	}

	fs.StringVar(&cfg.StreamID, "stream-id", "", "study stream id to inspect")
	fs.StringVar(&cfg.StreamIDs, "stream-ids", "", "comma-separated study stream ids to inspect")
	fs.BoolVar(&cfg.All, "all", false, "inspect every stream in the journal")
	fs.StringVar(&cfg.EventsDBPath, "events-db-path", cfg.EventsDBPath, "path to events sqlite database")
	fs.StringVar(&cfg.ProjectionsDBPath, "projections-db-path", cfg.ProjectionsDBPath, "path to projections sqlite database")
	fs.BoolVar(&cfg.Integrity, "integrity", false, "verify event hashes, chain links and signatures")
	fs.BoolVar(&cfg.Compare, "compare", false, "replay streams into a scratch read model and compare with stored rows")
	fs.IntVar(&cfg.WarningsCap, "warnings-cap", cfg.WarningsCap, "max warnings to print (0 = no limit)")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the maintenance command against the sqlite stores.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if cfg.Integrity && cfg.Compare {
		return errors.New("-integrity cannot be combined with -compare")
	}
	keyring, err := integrity.KeyringFromEnv()
	if err != nil {
		return fmt.Errorf("load event keyring: %w", err)
	}
	journal, err := sqlite.OpenEvents(cfg.EventsDBPath, keyring)
	if err != nil {
		return fmt.Errorf("open events store: %w", err)
	}
	readStore, err := sqlite.OpenProjections(cfg.ProjectionsDBPath)
	if err != nil {
		_ = journal.Close()
		return fmt.Errorf("open projections store: %w", err)
	}
	return runWithDeps(ctx, cfg, journal, readStore, keyring, out, errOut)
}

func runWithDeps(ctx context.Context, cfg Config, journal closableJournal, readStore closableReadStore, keyring *integrity.Keyring, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	defer func() {
		if err := journal.Close(); err != nil {
			fmt.Fprintf(errOut, "Error: close events store: %v\n", err)
		}
		if err := readStore.Close(); err != nil {
			fmt.Fprintf(errOut, "Error: close projections store: %v\n", err)
		}
	}()

	ids, err := resolveStreamIDs(ctx, cfg, journal)
	if err != nil {
		return err
	}

	failed := false
	for _, id := range ids {
		var result runResult
		switch {
		case cfg.Integrity:
			result = checkIntegrity(ctx, journal, keyring, id)
		case cfg.Compare:
			result = compareReplay(ctx, journal, readStore, id)
		default:
			result = checkLag(ctx, journal, readStore, id)
		}
		result.Warnings, result.WarningsTotal = capWarnings(result.Warnings, cfg.WarningsCap)
		if cfg.JSONOutput {
			outputJSON(out, errOut, result)
		} else {
			prefix := ""
			if len(ids) > 1 {
				prefix = fmt.Sprintf("[%s] ", id)
			}
			printResult(out, errOut, result, prefix)
		}
		if result.ExitCode != 0 {
			failed = true
		}
	}
	if failed {
		return errors.New("maintenance failed")
	}
	return nil
}

type runResult struct {
	StreamID      string   `json:"stream_id"`
	Mode          string   `json:"mode"`
	HeadSeq       uint64   `json:"head_seq"`
	Checkpoint    uint64   `json:"checkpoint,omitempty"`
	AppliedSeq    uint64   `json:"applied_seq,omitempty"`
	Mismatches    int      `json:"mismatches,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	WarningsTotal int      `json:"warnings_total,omitempty"`
	Error         string   `json:"error,omitempty"`
	ExitCode      int      `json:"-"`
}

func (r *runResult) fail(format string, args ...any) runResult {
	r.Error = fmt.Sprintf(format, args...)
	r.ExitCode = 1
	return *r
}

func checkLag(ctx context.Context, journal storage.EventStore, readStore storage.ReadStore, streamID string) runResult {
	result := runResult{StreamID: streamID, Mode: "lag"}
	head, err := journal.GetLatestEventSeq(ctx, streamID)
	if err != nil {
		return result.fail("read stream head: %v", err)
	}
	result.HeadSeq = head
	checkpoint, err := readStore.GetCheckpoint(ctx, streamID)
	if err != nil {
		return result.fail("read checkpoint: %v", err)
	}
	result.Checkpoint = checkpoint
	rec, err := readStore.GetStudy(ctx, streamID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		result.Warnings = append(result.Warnings, "study row is missing")
	case err != nil:
		return result.fail("read study row: %v", err)
	default:
		result.AppliedSeq = rec.AppliedSeq
	}
	if checkpoint < head {
		result.Warnings = append(result.Warnings, fmt.Sprintf("checkpoint %d lags head %d", checkpoint, head))
	}
	return result
}

func checkIntegrity(ctx context.Context, journal storage.EventStore, keyring *integrity.Keyring, streamID string) runResult {
	result := runResult{StreamID: streamID, Mode: "integrity"}
	head, err := journal.GetLatestEventSeq(ctx, streamID)
	if err != nil {
		return result.fail("read stream head: %v", err)
	}
	result.HeadSeq = head
	if err := integrity.VerifyStream(ctx, journal, streamID, keyring); err != nil {
		return result.fail("%v", err)
	}
	return result
}

// compareReplay rebuilds one stream into an in-memory read model and diffs
// the result against the stored row.
func compareReplay(ctx context.Context, journal storage.EventStore, source storage.ReadStore, streamID string) runResult {
	result := runResult{StreamID: streamID, Mode: "compare"}
	scratch := memory.NewReadStore()
	applier := projection.NewApplier(scratch, scratch, zerolog.Nop())

	events, err := journal.ListEvents(ctx, streamID, 0, 0)
	if err != nil {
		return result.fail("list events: %v", err)
	}
	for _, evt := range events {
		if err := applier.Apply(ctx, evt); err != nil {
			if projection.IsPermanent(err) {
				result.Warnings = append(result.Warnings, fmt.Sprintf("seq %d skipped: %v", evt.Seq, err))
				continue
			}
			return result.fail("replay seq %d: %v", evt.Seq, err)
		}
		result.HeadSeq = evt.Seq
	}

	replayed, err := scratch.GetStudy(ctx, streamID)
	if err != nil {
		return result.fail("replayed row: %v", err)
	}
	stored, err := source.GetStudy(ctx, streamID)
	if err != nil {
		return result.fail("stored row: %v", err)
	}
	result.AppliedSeq = stored.AppliedSeq

	for _, diff := range diffRecords(stored, replayed) {
		result.Mismatches++
		result.Warnings = append(result.Warnings, diff)
	}
	if result.Mismatches > 0 {
		result.ExitCode = 1
	}
	return result
}

func diffRecords(stored, replayed storage.StudyRecord) []string {
	var diffs []string
	field := func(name string, a, b any) {
		if a != b {
			diffs = append(diffs, fmt.Sprintf("%s differs (stored=%v replayed=%v)", name, a, b))
		}
	}
	field("details", stored.Details, replayed.Details)
	field("status", stored.Status, replayed.Status)
	field("status_reason", stored.StatusReason, replayed.StatusReason)
	field("locked", stored.Locked, replayed.Locked)
	field("version", stored.Version, replayed.Version)
	field("applied_seq", stored.AppliedSeq, replayed.AppliedSeq)
	if !sameAssociations(stored.Associations, replayed.Associations) {
		diffs = append(diffs, fmt.Sprintf("associations differ (stored=%d replayed=%d)", len(stored.Associations), len(replayed.Associations)))
	}
	return diffs
}

func sameAssociations(a, b []study.Association) bool {
	keys := func(in []study.Association) []string {
		out := make([]string, 0, len(in))
		for _, assoc := range in {
			out = append(out, assoc.Key())
		}
		slices.Sort(out)
		return out
	}
	return slices.Equal(keys(a), keys(b))
}

func resolveStreamIDs(ctx context.Context, cfg Config, journal storage.EventStore) ([]string, error) {
	selected := 0
	for _, set := range []bool{cfg.StreamID != "", cfg.StreamIDs != "", cfg.All} {
		if set {
			selected++
		}
	}
	if selected == 0 {
		return nil, fmt.Errorf("-stream-id, -stream-ids or -all is required")
	}
	if selected > 1 {
		return nil, fmt.Errorf("-stream-id, -stream-ids and -all are mutually exclusive")
	}
	if cfg.StreamID != "" {
		return []string{cfg.StreamID}, nil
	}
	if cfg.All {
		heads, err := journal.ListStreams(ctx)
		if err != nil {
			return nil, fmt.Errorf("list streams: %w", err)
		}
		ids := make([]string, 0, len(heads))
		for _, head := range heads {
			ids = append(ids, head.StreamID)
		}
		return ids, nil
	}
	ids := splitCSV(cfg.StreamIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("-stream-ids must contain at least one stream id")
	}
	return ids, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	output := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		output = append(output, trimmed)
	}
	return output
}

func capWarnings(warnings []string, limit int) ([]string, int) {
	total := len(warnings)
	if limit == 0 || total <= limit {
		return warnings, total
	}
	return warnings[:limit], total
}

func outputJSON(out io.Writer, errOut io.Writer, result runResult) {
	encoded, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintf(errOut, "Error: encode report: %v\n", err)
		return
	}
	fmt.Fprintln(out, string(encoded))
}

func printResult(out io.Writer, errOut io.Writer, result runResult, prefix string) {
	if result.Error != "" {
		fmt.Fprintf(errOut, "%sError: %s\n", prefix, result.Error)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(errOut, "%sWarning: %s\n", prefix, warning)
	}
	if result.WarningsTotal > len(result.Warnings) {
		fmt.Fprintf(errOut, "%sWarning: %d more warnings suppressed\n", prefix, result.WarningsTotal-len(result.Warnings))
	}
	if result.ExitCode != 0 && result.Mismatches == 0 {
		return
	}
	switch result.Mode {
	case "integrity":
		fmt.Fprintf(out, "%sVerified stream %s through seq %d\n", prefix, result.StreamID, result.HeadSeq)
	case "compare":
		fmt.Fprintf(out, "%sCompared stream %s through seq %d (%d mismatches)\n", prefix, result.StreamID, result.HeadSeq, result.Mismatches)
	default:
		fmt.Fprintf(out, "%sStream %s head %d checkpoint %d applied %d\n", prefix, result.StreamID, result.HeadSeq, result.Checkpoint, result.AppliedSeq)
	}
}
