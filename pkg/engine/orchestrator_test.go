package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// Mock balance source for testing
type mockSource struct {
	mu        sync.Mutex
	progID    string
	openErr   error
	openGate  chan struct{}
	balances  map[string]string
	queryErrs map[string]error
	opens     int
	queries   []string
	teardowns int
}

func newMockSource() *mockSource {
	return &mockSource{
		progID:    "QBXMLRP2.RequestProcessor.2",
		balances:  make(map[string]string),
		queryErrs: make(map[string]error),
	}
}

func (m *mockSource) Open(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.opens++
	gate := m.openGate
	openErr := m.openErr
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if openErr != nil {
		return "", openErr
	}
	return m.progID, nil
}

func (m *mockSource) QueryBalance(ctx context.Context, fullName string) (AccountBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queries = append(m.queries, fullName)

	if err, ok := m.queryErrs[fullName]; ok {
		return AccountBalance{}, err
	}
	raw, ok := m.balances[fullName]
	if !ok {
		return AccountBalance{}, NewExpectedError(ErrCodeAccountNotFound,
			fmt.Errorf("no account named %q", fullName))
	}
	return AccountBalance{
		Account:     fullName,
		Amount:      decimal.RequireFromString(raw),
		RetrievedAt: time.Now(),
	}, nil
}

func (m *mockSource) Teardown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardowns++
}

func (m *mockSource) openCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

func (m *mockSource) teardownCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardowns
}

func (m *mockSource) queriedAccounts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.queries...)
}

// Mock sink for testing
type mockSink struct {
	mu        sync.Mutex
	failCells map[string]error
	delivered []AccountBalance
	cells     []string
}

func newMockSink() *mockSink {
	return &mockSink{failCells: make(map[string]error)}
}

func (m *mockSink) Deliver(ctx context.Context, block SyncBlock, balance AccountBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failCells[block.Cell]; ok {
		return err
	}
	m.delivered = append(m.delivered, balance)
	m.cells = append(m.cells, block.Cell)
	return nil
}

func (m *mockSink) deliveredBalances() []AccountBalance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AccountBalance{}, m.delivered...)
}

// Mock synthesizer for testing
type mockSynth struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockSynth) Synthesize(identifier string, date time.Time) AccountBalance {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, identifier)
	return AccountBalance{
		Account:     identifier,
		Amount:      decimal.NewFromInt(4242),
		RetrievedAt: date,
		Synthetic:   true,
	}
}

func (m *mockSynth) synthesized() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.calls...)
}

// Mock run store for testing
type mockStore struct {
	mu        sync.Mutex
	recorded  []*RunSummary
	recordErr error
}

func (m *mockStore) RecordRun(ctx context.Context, summary *RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	m.recorded = append(m.recorded, summary)
	return nil
}

func testBlocks() []SyncBlock {
	return []SyncBlock{
		{Account: "Assets:Checking", SpreadsheetID: "sheet-1", SheetName: "Balances", Cell: "B2"},
		{Account: "Assets:Savings", SpreadsheetID: "sheet-1", SheetName: "Balances", Cell: "B3"},
		{Account: "Liabilities:Visa", SpreadsheetID: "sheet-1", SheetName: "Balances", Cell: "B4"},
	}
}

func TestRunDeliversEveryBlock(t *testing.T) {
	source := newMockSource()
	source.balances["Assets:Checking"] = "1234.56"
	source.balances["Liabilities:Visa"] = "-18745.32"
	// Assets:Savings is absent from the company file
	sink := newMockSink()

	orch := NewOrchestrator(source, sink, NewRunGuard("", 0))

	summary, err := orch.Run(context.Background(), testBlocks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != RunStatusSucceeded {
		t.Errorf("status = %s, want %s (not-found is not a failure)", summary.Status, RunStatusSucceeded)
	}
	if summary.ProgID != "QBXMLRP2.RequestProcessor.2" {
		t.Errorf("prog ID = %q, want the mock's", summary.ProgID)
	}
	if len(summary.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(summary.Results))
	}

	wantOutcomes := []Outcome{OutcomeDelivered, OutcomeNotFound, OutcomeDelivered}
	for i, want := range wantOutcomes {
		if summary.Results[i].Outcome != want {
			t.Errorf("results[%d].Outcome = %s, want %s", i, summary.Results[i].Outcome, want)
		}
	}
	if summary.Results[1].Balance != nil {
		t.Error("not-found result carries a balance")
	}

	delivered, notFound, failed := summary.Counts()
	if delivered != 2 || notFound != 1 || failed != 0 {
		t.Errorf("counts = (%d, %d, %d), want (2, 1, 0)", delivered, notFound, failed)
	}

	got := sink.deliveredBalances()
	if len(got) != 2 {
		t.Fatalf("sink received %d balances, want 2", len(got))
	}
	if got[0].Amount.String() != "1234.56" {
		t.Errorf("first delivered amount = %s, want 1234.56", got[0].Amount.String())
	}
	if got[1].Amount.String() != "-18745.32" {
		t.Errorf("second delivered amount = %s, want -18745.32 with sign preserved", got[1].Amount.String())
	}

	if source.teardownCount() != 1 {
		t.Errorf("teardown ran %d times, want exactly 1", source.teardownCount())
	}
}

func TestRunSinkFailureDoesNotStopRun(t *testing.T) {
	source := newMockSource()
	source.balances["Assets:Checking"] = "100.00"
	source.balances["Assets:Savings"] = "200.00"
	source.balances["Liabilities:Visa"] = "-300.00"
	sink := newMockSink()
	sink.failCells["B3"] = NewTransientError(ErrCodeSinkDeliveryFailed, errors.New("cell locked"))

	orch := NewOrchestrator(source, sink, NewRunGuard("", 0))

	summary, err := orch.Run(context.Background(), testBlocks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != RunStatusPartial {
		t.Errorf("status = %s, want %s", summary.Status, RunStatusPartial)
	}
	if summary.Results[1].Outcome != OutcomeSinkFailed {
		t.Errorf("failed block outcome = %s, want %s", summary.Results[1].Outcome, OutcomeSinkFailed)
	}
	if summary.Results[2].Outcome != OutcomeDelivered {
		t.Errorf("block after the failure = %s, want %s", summary.Results[2].Outcome, OutcomeDelivered)
	}
	if len(sink.deliveredBalances()) != 2 {
		t.Errorf("sink received %d balances, want 2", len(sink.deliveredBalances()))
	}
	if source.teardownCount() != 1 {
		t.Errorf("teardown ran %d times, want exactly 1", source.teardownCount())
	}
}

func TestRunOpenFailureFailsAllBlocksWithoutFallback(t *testing.T) {
	source := newMockSource()
	source.openErr = NewTransientError(ErrCodeConnectionFailed, errors.New("automation interface missing"))
	sink := newMockSink()

	orch := NewOrchestrator(source, sink, NewRunGuard("", 0))

	summary, err := orch.Run(context.Background(), testBlocks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != RunStatusFailed {
		t.Errorf("status = %s, want %s", summary.Status, RunStatusFailed)
	}
	if summary.ProgID != "" {
		t.Errorf("prog ID = %q, want empty after failed open", summary.ProgID)
	}
	for i, res := range summary.Results {
		if res.Outcome != OutcomeQueryFailed {
			t.Errorf("results[%d].Outcome = %s, want %s", i, res.Outcome, OutcomeQueryFailed)
		}
		if CodeOf(res.Err) != ErrCodeConnectionFailed {
			t.Errorf("results[%d] error code = %s, want the open failure", i, CodeOf(res.Err))
		}
	}
	if len(source.queriedAccounts()) != 0 {
		t.Errorf("queries ran against a dead session: %v", source.queriedAccounts())
	}
	if source.teardownCount() != 1 {
		t.Errorf("teardown ran %d times, want exactly 1 even after failed open", source.teardownCount())
	}
}

func TestRunOpenFailureSynthesizesWithFallback(t *testing.T) {
	source := newMockSource()
	source.openErr = NewTransientError(ErrCodeConnectionFailed, errors.New("automation interface missing"))
	sink := newMockSink()
	synth := &mockSynth{}

	orch := NewOrchestrator(source, sink, NewRunGuard("", 0)).WithSynthesizer(synth)

	summary, err := orch.Run(context.Background(), testBlocks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != RunStatusSucceeded {
		t.Errorf("status = %s, want %s", summary.Status, RunStatusSucceeded)
	}
	for i, res := range summary.Results {
		if res.Outcome != OutcomeDelivered {
			t.Errorf("results[%d].Outcome = %s, want %s", i, res.Outcome, OutcomeDelivered)
		}
		if res.Balance == nil || !res.Balance.Synthetic {
			t.Errorf("results[%d] balance not marked synthetic", i)
		}
		if res.Detail() == "" {
			t.Errorf("results[%d] lost the degradation cause", i)
		}
	}
	if got := synth.synthesized(); len(got) != 3 {
		t.Errorf("synthesizer ran for %d accounts, want 3", len(got))
	}
	if len(source.queriedAccounts()) != 0 {
		t.Errorf("queries ran against a dead session: %v", source.queriedAccounts())
	}
	if len(sink.deliveredBalances()) != 3 {
		t.Errorf("sink received %d balances, want 3", len(sink.deliveredBalances()))
	}
}

func TestRunSessionLossDegradesRemainingBlocks(t *testing.T) {
	source := newMockSource()
	source.balances["Assets:Checking"] = "100.00"
	source.balances["Assets:Savings"] = "200.00"
	source.balances["Liabilities:Visa"] = "-300.00"
	source.queryErrs["Assets:Savings"] = NewTransientError(ErrCodeSessionFailed, errors.New("ticket rejected"))
	sink := newMockSink()

	orch := NewOrchestrator(source, sink, NewRunGuard("", 0))

	summary, err := orch.Run(context.Background(), testBlocks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != RunStatusPartial {
		t.Errorf("status = %s, want %s", summary.Status, RunStatusPartial)
	}

	wantOutcomes := []Outcome{OutcomeDelivered, OutcomeQueryFailed, OutcomeQueryFailed}
	for i, want := range wantOutcomes {
		if summary.Results[i].Outcome != want {
			t.Errorf("results[%d].Outcome = %s, want %s", i, summary.Results[i].Outcome, want)
		}
	}
	if CodeOf(summary.Results[2].Err) != ErrCodeSessionFailed {
		t.Errorf("degraded block error code = %s, want the session failure", CodeOf(summary.Results[2].Err))
	}

	queried := source.queriedAccounts()
	if len(queried) != 2 {
		t.Fatalf("queried %v, want only the first two blocks", queried)
	}
	if queried[1] != "Assets:Savings" {
		t.Errorf("second query hit %q, want Assets:Savings", queried[1])
	}
	if source.teardownCount() != 1 {
		t.Errorf("teardown ran %d times, want exactly 1", source.teardownCount())
	}
}

func TestRunQueryFailureStaysBlockScoped(t *testing.T) {
	source := newMockSource()
	source.balances["Assets:Checking"] = "100.00"
	source.balances["Liabilities:Visa"] = "-300.00"
	source.queryErrs["Assets:Savings"] = NewTransientError(ErrCodeInvocationException, errors.New("request processor raised"))
	sink := newMockSink()
	synth := &mockSynth{}

	orch := NewOrchestrator(source, sink, NewRunGuard("", 0)).WithSynthesizer(synth)

	summary, err := orch.Run(context.Background(), testBlocks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != RunStatusSucceeded {
		t.Errorf("status = %s, want %s", summary.Status, RunStatusSucceeded)
	}
	if res := summary.Results[1]; res.Outcome != OutcomeDelivered || res.Balance == nil || !res.Balance.Synthetic {
		t.Errorf("mid-run query failure did not synthesize: %+v", res)
	}

	// A block-scoped failure must not poison the session for later blocks.
	if len(source.queriedAccounts()) != 3 {
		t.Errorf("queried %v, want all three blocks", source.queriedAccounts())
	}
	if res := summary.Results[2]; res.Outcome != OutcomeDelivered || res.Balance.Synthetic {
		t.Errorf("block after a scoped failure should deliver live: %+v", res)
	}
}

func TestRunNotFoundNeverSynthesized(t *testing.T) {
	source := newMockSource() // no balances: every account is absent
	sink := newMockSink()
	synth := &mockSynth{}

	orch := NewOrchestrator(source, sink, NewRunGuard("", 0)).WithSynthesizer(synth)

	summary, err := orch.Run(context.Background(), testBlocks()[:1])
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Results[0].Outcome != OutcomeNotFound {
		t.Errorf("outcome = %s, want %s", summary.Results[0].Outcome, OutcomeNotFound)
	}
	if got := synth.synthesized(); len(got) != 0 {
		t.Errorf("synthesizer ran for an absent account: %v", got)
	}
	if len(sink.deliveredBalances()) != 0 {
		t.Error("sink received a balance for an absent account")
	}
	if summary.Status != RunStatusSucceeded {
		t.Errorf("status = %s, want %s", summary.Status, RunStatusSucceeded)
	}
}

func TestRunOverlapSkipped(t *testing.T) {
	source := newMockSource()
	source.balances["Assets:Checking"] = "100.00"
	source.balances["Assets:Savings"] = "200.00"
	source.balances["Liabilities:Visa"] = "-300.00"
	source.openGate = make(chan struct{})
	sink := newMockSink()

	orch := NewOrchestrator(source, sink, NewRunGuard("", 0))

	done := make(chan *RunSummary, 1)
	go func() {
		summary, _ := orch.Run(context.Background(), testBlocks())
		done <- summary
	}()

	// Wait until the first run holds the guard and sits in Open.
	waitUntil(t, func() bool { return source.openCount() == 1 })

	summary, err := orch.Run(context.Background(), testBlocks())
	if summary != nil {
		t.Error("skipped run returned a summary")
	}
	if !IsRunActive(err) {
		t.Fatalf("overlapping run returned %v, want run-active", err)
	}
	if !errors.Is(err, ErrRunActive) {
		t.Error("overlap error does not match ErrRunActive")
	}

	close(source.openGate)
	first := <-done
	if first == nil || first.Status != RunStatusSucceeded {
		t.Fatalf("first run did not succeed: %+v", first)
	}
	if source.openCount() != 1 {
		t.Errorf("open ran %d times, want exactly 1", source.openCount())
	}
	if source.teardownCount() != 1 {
		t.Errorf("teardown ran %d times, want exactly 1", source.teardownCount())
	}
}

func TestRunRecordsHistory(t *testing.T) {
	source := newMockSource()
	source.balances["Assets:Checking"] = "100.00"
	sink := newMockSink()
	store := &mockStore{}

	orch := NewOrchestrator(source, sink, NewRunGuard("", 0)).WithStore(store)

	summary, err := orch.Run(context.Background(), testBlocks()[:1])
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.recorded) != 1 {
		t.Fatalf("store received %d summaries, want 1", len(store.recorded))
	}
	if store.recorded[0].RunID != summary.RunID {
		t.Errorf("stored run ID %q, want %q", store.recorded[0].RunID, summary.RunID)
	}
}

func TestRunStoreFailureTolerated(t *testing.T) {
	source := newMockSource()
	source.balances["Assets:Checking"] = "100.00"
	sink := newMockSink()
	store := &mockStore{recordErr: errors.New("disk full")}

	orch := NewOrchestrator(source, sink, NewRunGuard("", 0)).WithStore(store)

	summary, err := orch.Run(context.Background(), testBlocks()[:1])
	if err != nil {
		t.Fatalf("Run failed on a store error: %v", err)
	}
	if summary.Status != RunStatusSucceeded {
		t.Errorf("status = %s, want %s despite the store failure", summary.Status, RunStatusSucceeded)
	}
}

func TestRunNoBlocks(t *testing.T) {
	source := newMockSource()
	sink := newMockSink()

	orch := NewOrchestrator(source, sink, NewRunGuard("", 0))

	summary, err := orch.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summary.Results) != 0 {
		t.Errorf("got %d results for zero blocks", len(summary.Results))
	}
	if summary.Status != RunStatusSucceeded {
		t.Errorf("status = %s, want %s", summary.Status, RunStatusSucceeded)
	}
	if source.teardownCount() != 1 {
		t.Errorf("teardown ran %d times, want exactly 1", source.teardownCount())
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
