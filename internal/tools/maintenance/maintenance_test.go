package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinprecision/clinops/internal/services/study/domain/event"
	"github.com/clinprecision/clinops/internal/services/study/domain/study"
	"github.com/clinprecision/clinops/internal/services/study/projection"
	"github.com/clinprecision/clinops/internal/services/study/storage/integrity"
	"github.com/clinprecision/clinops/internal/services/study/storage/memory"
)

const streamID = "5f0c7d2e-3c1b-4c55-9a57-1d1f0f0e9a01"

type journalStub struct {
	*memory.Journal
	tamper bool
}

func (j journalStub) ListEvents(ctx context.Context, id string, afterSeq uint64, limit int) ([]event.Event, error) {
	events, err := j.Journal.ListEvents(ctx, id, afterSeq, limit)
	if err != nil || !j.tamper {
		return events, err
	}
	for i := range events {
		if events[i].Seq == 2 {
			events[i].PayloadJSON = []byte(`{"from":"PLANNING","to":"ACTIVE","reason":"edited"}`)
		}
	}
	return events, nil
}

func (journalStub) Close() error { return nil }

type readStoreStub struct {
	*memory.ReadStore
}

func (readStoreStub) Close() error { return nil }

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// seed appends created and status_changed events and projects the first
// projected events into the read store.
func seed(t *testing.T, keyring *integrity.Keyring, projected int) (*memory.Journal, *memory.ReadStore) {
	t.Helper()
	ctx := context.Background()
	journal := memory.NewJournal(keyring)
	readStore := memory.NewReadStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stored, err := journal.AppendEvents(ctx, streamID, 0, []event.Event{
		{
			StreamID:    streamID,
			Type:        study.EventCreated,
			Timestamp:   now,
			PayloadJSON: mustJSON(t, study.CreatePayload{Details: study.Details{Name: "Trial"}, Version: study.InitialVersion}),
		},
		{
			StreamID:    streamID,
			Type:        study.EventStatusChanged,
			Timestamp:   now.Add(time.Minute),
			PayloadJSON: mustJSON(t, study.StatusChangedPayload{From: study.StatusPlanning, To: study.StatusActive}),
		},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	applier := projection.NewApplier(readStore, readStore, zerolog.Nop())
	for _, evt := range stored[:projected] {
		if err := applier.Apply(ctx, evt); err != nil {
			t.Fatalf("apply seq %d: %v", evt.Seq, err)
		}
		if err := readStore.SaveCheckpoint(ctx, streamID, evt.Seq); err != nil {
			t.Fatalf("save checkpoint: %v", err)
		}
	}
	return journal, readStore
}

func TestLagReportsCheckpointBehindHead(t *testing.T) {
	journal, readStore := seed(t, nil, 1)
	var out, errOut bytes.Buffer
	err := runWithDeps(context.Background(), Config{StreamID: streamID}, journalStub{Journal: journal}, readStoreStub{readStore}, nil, &out, &errOut)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "head 2 checkpoint 1 applied 1") {
		t.Fatalf("unexpected output: %q", out.String())
	}
	if !strings.Contains(errOut.String(), "checkpoint 1 lags head 2") {
		t.Fatalf("expected lag warning, got %q", errOut.String())
	}
}

func TestIntegrityAcceptsSignedStream(t *testing.T) {
	keyring, err := integrity.NewKeyring(map[string][]byte{"k1": bytes.Repeat([]byte{7}, 32)}, "k1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	journal, readStore := seed(t, keyring, 2)
	var out bytes.Buffer
	err = runWithDeps(context.Background(), Config{StreamID: streamID, Integrity: true}, journalStub{Journal: journal}, readStoreStub{readStore}, keyring, &out, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Verified stream "+streamID+" through seq 2") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestIntegrityDetectsTamperedPayload(t *testing.T) {
	journal, readStore := seed(t, nil, 2)
	var out, errOut bytes.Buffer
	err := runWithDeps(context.Background(), Config{StreamID: streamID, Integrity: true, JSONOutput: true}, journalStub{Journal: journal, tamper: true}, readStoreStub{readStore}, nil, &out, &errOut)
	if err == nil {
		t.Fatal("expected tampered stream to fail")
	}
	var result runResult
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if result.Mode != "integrity" || result.Error == "" {
		t.Fatalf("unexpected report: %+v", result)
	}
}

func TestCompareMatchesReplay(t *testing.T) {
	journal, readStore := seed(t, nil, 2)
	var out bytes.Buffer
	err := runWithDeps(context.Background(), Config{StreamID: streamID, Compare: true}, journalStub{Journal: journal}, readStoreStub{readStore}, nil, &out, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "(0 mismatches)") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestCompareReportsDrift(t *testing.T) {
	journal, readStore := seed(t, nil, 2)
	ctx := context.Background()
	rec, err := readStore.GetStudy(ctx, streamID)
	if err != nil {
		t.Fatalf("get study: %v", err)
	}
	rec.Status = study.StatusSuspended
	if err := readStore.PutStudy(ctx, rec); err != nil {
		t.Fatalf("put study: %v", err)
	}

	var out, errOut bytes.Buffer
	err = runWithDeps(ctx, Config{StreamID: streamID, Compare: true}, journalStub{Journal: journal}, readStoreStub{readStore}, nil, &out, &errOut)
	if err == nil {
		t.Fatal("expected drift to fail")
	}
	if !strings.Contains(errOut.String(), "status differs") {
		t.Fatalf("expected status warning, got %q", errOut.String())
	}
}

func TestResolveStreamIDs(t *testing.T) {
	journal, _ := seed(t, nil, 0)
	ctx := context.Background()

	if _, err := resolveStreamIDs(ctx, Config{}, journal); err == nil {
		t.Fatal("expected selection error")
	}
	if _, err := resolveStreamIDs(ctx, Config{StreamID: "a", All: true}, journal); err == nil {
		t.Fatal("expected exclusive selection error")
	}
	if _, err := resolveStreamIDs(ctx, Config{StreamIDs: " , "}, journal); err == nil {
		t.Fatal("expected empty list error")
	}
	ids, err := resolveStreamIDs(ctx, Config{StreamIDs: "a, b"}, journal)
	if err != nil || len(ids) != 2 || ids[1] != "b" {
		t.Fatalf("ids = %v, err = %v", ids, err)
	}
	ids, err = resolveStreamIDs(ctx, Config{All: true}, journal)
	if err != nil || len(ids) != 1 || ids[0] != streamID {
		t.Fatalf("ids = %v, err = %v", ids, err)
	}
}

func TestCapWarnings(t *testing.T) {
	warnings, total := capWarnings([]string{"a", "b", "c"}, 2)
	if len(warnings) != 2 || total != 3 {
		t.Fatalf("got %d of %d", len(warnings), total)
	}
	warnings, total = capWarnings([]string{"a"}, 0)
	if len(warnings) != 1 || total != 1 {
		t.Fatalf("got %d of %d", len(warnings), total)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("maintenance", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-all", "-json"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.EventsDBPath != filepath.Join("data", "study-events.db") {
		t.Fatalf("events path = %q", cfg.EventsDBPath)
	}
	if cfg.Timeout != 10*time.Minute || cfg.WarningsCap != 25 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.All || !cfg.JSONOutput {
		t.Fatalf("expected flags to be set: %+v", cfg)
	}
}

func TestRunOpensSQLiteStores(t *testing.T) {
	t.Setenv("CLINOPS_STUDY_EVENT_HMAC_KEY", "")
	t.Setenv("CLINOPS_STUDY_EVENT_HMAC_KEYS", "")
	dir := t.TempDir()
	cfg := Config{
		All:               true,
		EventsDBPath:      filepath.Join(dir, "events.db"),
		ProjectionsDBPath: filepath.Join(dir, "projections.db"),
	}
	if err := Run(context.Background(), cfg, nil, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunRejectsConflictingModes(t *testing.T) {
	if err := Run(context.Background(), Config{All: true, Integrity: true, Compare: true}, nil, nil); err == nil {
		t.Fatal("expected mode conflict")
	}
}
