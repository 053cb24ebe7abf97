package quickbooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/qbsync/qbsync/pkg/dispatch"
	"github.com/qbsync/qbsync/pkg/engine"
	"github.com/qbsync/qbsync/pkg/telemetry"
	"github.com/qbsync/qbsync/pkg/variant"
)

// State is the session's lifecycle position.
type State string

const (
	// StateDisconnected is the rest state: no interface, no connection.
	StateDisconnected State = "disconnected"

	// StateConnected means the application accepted the connection but
	// no company-file session is open yet.
	StateConnected State = "connected"

	// StateSessionOpen means a company-file session is open and queries
	// may flow.
	StateSessionOpen State = "session-open"

	// StateQuerying is SessionOpen with a request in flight.
	StateQuerying State = "querying"

	// StateFaulted marks an unrecoverable failure, typically an
	// abandoned call. The only way out is Teardown.
	StateFaulted State = "faulted"
)

// AccessMode selects how BeginSession opens the company file.
type AccessMode string

const (
	// AccessDontCare takes the file however the application already has
	// it open.
	AccessDontCare AccessMode = "dont_care"

	// AccessSingleUser requires exclusive access to the file.
	AccessSingleUser AccessMode = "single_user"

	// AccessMultiUser shares the file with other clients.
	AccessMultiUser AccessMode = "multi_user"
)

// wire returns the mode's value in the interface definition. DontCare
// and MultiUser share a value there; the distinction is caller intent,
// not protocol.
func (m AccessMode) wire() int32 {
	if m == AccessSingleUser {
		return 1
	}
	return 2
}

// Company-file selectors understood beyond a literal path.
const (
	// FileAuto targets whichever company file the application already
	// has open.
	FileAuto = "AUTO"

	// FilePrompt lets the application ask the user to pick a file.
	// Unsuitable for unattended runs; Begin logs a warning on sight.
	FilePrompt = "PROMPT"
)

// localQBD is OpenConnection2's connection-type argument for a desktop
// installation on the same machine.
const localQBD = 1

// defaultCallTimeout bounds one automation call when Options does not
// say otherwise.
const defaultCallTimeout = 30 * time.Second

// workerDrainTimeout bounds how long teardown waits for the apartment
// worker to finish its backlog and leave the apartment.
const workerDrainTimeout = 5 * time.Second

// Options configure one Session.
type Options struct {
	// AppID is the application id handed to OpenConnection2. Usually
	// empty; the application does not require one.
	AppID string

	// AppName is how the session appears in the application's
	// integrated-application list.
	AppName string

	// CompanyFile is a company-file path, FileAuto, or FilePrompt.
	CompanyFile string

	// AccessMode selects the BeginSession file mode.
	AccessMode AccessMode

	// CallTimeout bounds each automation call. Zero or negative means
	// the package default.
	CallTimeout time.Duration

	// Candidates overrides DefaultCandidates when non-empty.
	Candidates []string
}

// Session is the stateful bridge to one desktop application instance.
// It implements engine.BalanceSource. The interface behind it is
// apartment-threaded, so all automation traffic funnels through one
// dedicated OS-locked worker goroutine; public methods serialize on the
// session mutex and wait for the worker with a bounded per-call
// deadline.
type Session struct {
	opts      Options
	connector dispatch.Connector
	invoker   *dispatch.Invoker
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger

	// enter joins the automation apartment for the worker's lifetime.
	enter func() (apartment, error)

	mu     sync.Mutex
	state  State
	worker *apartmentWorker
	obj    dispatch.Object
	progID string
	ticket string

	// begun tracks whether a session might be open on the application
	// side, including calls abandoned mid-flight. Teardown ends the
	// session whenever it is set.
	begun bool
}

// NewSession returns a disconnected session. A nil connector means the
// platform automation runtime.
func NewSession(opts Options, connector dispatch.Connector) *Session {
	if connector == nil {
		connector = dispatch.NewOleConnector()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	tel := telemetry.Nop()
	return &Session{
		opts:      opts,
		connector: connector,
		invoker:   dispatch.NewInvoker().WithOrder("ProcessRequest", dispatch.OrderReversed),
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("quickbooks"),
		enter:     func() (apartment, error) { return dispatch.EnterApartment() },
		state:     StateDisconnected,
	}
}

// WithTelemetry attaches telemetry and returns the session for chaining.
func (s *Session) WithTelemetry(tel *telemetry.Telemetry) *Session {
	if tel == nil {
		return s
	}
	s.tel = tel
	s.logger = tel.Logger.NewComponentLogger("quickbooks")
	return s
}

// State reports the session's current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProgID reports the interface revision the session resolved, or ""
// before Connect.
func (s *Session) ProgID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progID
}

// Open implements engine.BalanceSource: Connect, then Begin with the
// configured company file and access mode. It returns the ProgID that
// won resolution.
func (s *Session) Open(ctx context.Context) (string, error) {
	if err := s.Connect(ctx); err != nil {
		return "", err
	}
	if _, err := s.Begin(ctx); err != nil {
		return "", err
	}
	if file, err := s.CompanyFileName(ctx); err != nil {
		if s.State() == StateFaulted {
			return "", err
		}
		s.logger.WithError(err).Debug("company file name unavailable")
	} else {
		s.logger.WithField("company_file", file).Info("session opened")
	}
	return s.ProgID(), nil
}

// Connect resolves an interface revision and opens the application
// connection. Connecting an already-connected session is an error: the
// interface tolerates no second OpenConnection without an intervening
// close. A failed Connect leaves the session disconnected and safe to
// retry.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateDisconnected {
		return engine.NewPermanentError(engine.ErrCodeConnectionFailed,
			fmt.Errorf("connect from state %s", s.state)).WithOperation("OpenConnection2")
	}

	worker, err := startApartmentWorker(s.enter)
	if err != nil {
		return engine.NewTransientError(engine.ErrCodeConnectionFailed, err).WithOperation("OpenConnection2")
	}
	s.worker = worker

	resolver := NewResolver(s.connector, s.opts.Candidates, s.logger)
	var (
		obj        dispatch.Object
		progID     string
		resolveErr error
	)
	resCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	err = worker.submit(resCtx, func() {
		obj, progID, resolveErr = resolver.Resolve()
	})
	cancel()
	if err != nil {
		s.state = StateFaulted
		s.logger.WithError(err).Error("interface resolution abandoned")
		return engine.NewTransientError(engine.ErrCodeInterfaceUnavailable,
			fmt.Errorf("resolution abandoned: %w", err))
	}
	if resolveErr != nil {
		s.stopWorkerLocked()
		return resolveErr
	}
	s.obj = obj
	s.progID = progID

	_, err = s.call(ctx, "OpenConnection2", engine.ErrCodeConnectionFailed,
		variant.FromString(s.opts.AppID),
		variant.FromString(s.opts.AppName),
		variant.FromInt32(localQBD))
	if err != nil {
		if s.state == StateFaulted {
			// The worker may still be wedged inside the call; unwinding
			// is Teardown's job.
			return err
		}
		s.releaseObjectLocked(ctx)
		s.stopWorkerLocked()
		s.progID = ""
		return err
	}

	s.state = StateConnected
	s.logger.WithProgID(progID).Info("connected")
	return nil
}

// Begin opens a company-file session and returns its ticket. The
// application may issue an empty ticket; that is passed through. A
// rejected Begin leaves the session Connected, so a retry with a
// different access mode needs no reconnect.
func (s *Session) Begin(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return "", engine.NewTransientError(engine.ErrCodeSessionFailed,
			fmt.Errorf("begin from state %s", s.state)).WithOperation("BeginSession")
	}

	file := s.fileArgument()
	s.begun = true
	res, err := s.call(ctx, "BeginSession", engine.ErrCodeSessionFailed,
		variant.FromString(file),
		variant.FromInt32(s.opts.AccessMode.wire()))
	if err != nil {
		if s.state != StateFaulted {
			// The application rejected the session; no ticket exists and
			// the connection is still good.
			s.begun = false
		}
		return "", err
	}

	ticket := ""
	if !res.IsEmpty() {
		ticket, err = res.AsString()
		if err != nil {
			return "", engine.NewPermanentError(engine.ErrCodeTypeMismatch, err).WithOperation("BeginSession")
		}
	}
	s.ticket = ticket
	s.state = StateSessionOpen
	s.logger.WithField("access_mode", string(s.opts.AccessMode)).Debug("session begun")
	return ticket, nil
}

// ProcessRequest submits one qbXML request under the session ticket and
// returns the raw response.
func (s *Session) ProcessRequest(ctx context.Context, request string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSessionOpen {
		return "", engine.NewTransientError(engine.ErrCodeSessionFailed,
			fmt.Errorf("no open session (state %s)", s.state)).WithOperation("ProcessRequest")
	}

	s.state = StateQuerying
	res, err := s.call(ctx, "ProcessRequest", engine.ErrCodeSessionFailed,
		variant.FromString(s.ticket),
		variant.FromString(request))
	if s.state == StateQuerying {
		s.state = StateSessionOpen
	}
	if err != nil {
		if dispatch.IsException(err) {
			// The application failed this one query; the session is
			// still good.
			return "", engine.NewPermanentError(engine.ErrCodeInvocationException,
				errors.Unwrap(err)).WithOperation("ProcessRequest")
		}
		return "", err
	}

	response, convErr := res.AsString()
	if convErr != nil {
		return "", engine.NewPermanentError(engine.ErrCodeTypeMismatch, convErr).WithOperation("ProcessRequest")
	}
	return response, nil
}

// End closes the company-file session and returns the session to
// Connected.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSessionOpen {
		return engine.NewTransientError(engine.ErrCodeSessionFailed,
			fmt.Errorf("end from state %s", s.state)).WithOperation("EndSession")
	}

	if _, err := s.call(ctx, "EndSession", engine.ErrCodeSessionFailed,
		variant.FromString(s.ticket)); err != nil {
		return err
	}
	s.ticket = ""
	s.begun = false
	s.state = StateConnected
	return nil
}

// Close drops the application connection and stops the apartment worker.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return engine.NewTransientError(engine.ErrCodeConnectionFailed,
			fmt.Errorf("close from state %s", s.state)).WithOperation("CloseConnection")
	}

	_, err := s.call(ctx, "CloseConnection", engine.ErrCodeConnectionFailed)
	s.releaseObjectLocked(ctx)
	s.stopWorkerLocked()
	s.progID = ""
	s.state = StateDisconnected
	return err
}

// Teardown implements engine.BalanceSource: end the session and close
// the connection from whatever state the session is in, best effort.
// Failures are logged, never returned; a leaked session blocks every
// other client of the company file until the application restarts.
// Teardown outlives the run context that may have expired on the way
// here, bounding each step with its own deadline.
func (s *Session) Teardown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.worker == nil && s.obj == nil && s.state == StateDisconnected {
		return
	}
	ctx = context.WithoutCancel(ctx)

	if s.worker != nil && s.obj != nil {
		if s.begun {
			if _, err := s.call(ctx, "EndSession", engine.ErrCodeSessionFailed,
				variant.FromString(s.ticket)); err != nil {
				s.logger.WithError(err).Warn("session not ended cleanly")
			}
			s.ticket = ""
			s.begun = false
		}
		if _, err := s.call(ctx, "CloseConnection", engine.ErrCodeConnectionFailed); err != nil {
			s.logger.WithError(err).Warn("connection not closed cleanly")
		}
	}

	s.releaseObjectLocked(ctx)
	s.stopWorkerLocked()
	s.ticket = ""
	s.begun = false
	s.progID = ""
	s.state = StateDisconnected
	s.logger.Debug("session torn down")
}

// CompanyFileName reports the company file the open session is bound to.
func (s *Session) CompanyFileName(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSessionOpen {
		return "", engine.NewTransientError(engine.ErrCodeSessionFailed,
			fmt.Errorf("no open session (state %s)", s.state)).WithOperation("GetCurrentCompanyFileName")
	}

	res, err := s.call(ctx, "GetCurrentCompanyFileName", engine.ErrCodeSessionFailed,
		variant.FromString(s.ticket))
	if err != nil {
		return "", err
	}
	name, convErr := res.AsString()
	if convErr != nil {
		return "", engine.NewPermanentError(engine.ErrCodeTypeMismatch, convErr).WithOperation("GetCurrentCompanyFileName")
	}
	return name, nil
}

// SupportedVersions reports the qbXML versions the open session accepts.
// Some interface revisions hand the list back in a container the codec
// cannot lift; reaching the method is still meaningful, so that case
// reports an empty string with no error.
func (s *Session) SupportedVersions(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSessionOpen {
		return "", engine.NewTransientError(engine.ErrCodeSessionFailed,
			fmt.Errorf("no open session (state %s)", s.state)).WithOperation("QBXMLVersionsForSession")
	}

	res, err := s.call(ctx, "QBXMLVersionsForSession", engine.ErrCodeSessionFailed,
		variant.FromString(s.ticket))
	if err != nil {
		var callErr *dispatch.CallError
		if errors.As(err, &callErr) && callErr.Kind == dispatch.KindCall && callErr.HResult == 0 {
			// The call reached the application; only the result defeats
			// the codec.
			return "", nil
		}
		return "", err
	}
	if res.IsEmpty() {
		return "", nil
	}
	versions, convErr := res.AsString()
	if convErr != nil {
		return "", nil
	}
	return versions, nil
}

// fileArgument resolves the configured company-file selector to the
// string BeginSession expects.
func (s *Session) fileArgument() string {
	switch s.opts.CompanyFile {
	case "", FileAuto:
		return ""
	case FilePrompt:
		s.logger.Warn("PROMPT selector surfaces a file picker; unattended runs will stall")
		return ""
	default:
		return s.opts.CompanyFile
	}
}

// callResult carries one call's outcome off the worker. It is read only
// after the worker signals completion; an abandoned call writes into it
// with nobody left to look.
type callResult struct {
	value variant.Value
	err   error
}

// call runs one automation method on the apartment worker under the
// session's per-call deadline. Expiry abandons the call and faults the
// session; the worker itself keeps serving so teardown can still reach
// the application. Callers hold s.mu.
func (s *Session) call(ctx context.Context, method string, fallback engine.ErrorCode, args ...variant.Value) (variant.Value, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	_, span := s.tel.Tracer.StartDispatchSpan(callCtx, method)
	defer span.End()

	obj := s.obj
	out := new(callResult)
	start := time.Now()
	err := s.worker.submit(callCtx, func() {
		out.value, out.err = s.invoker.Invoke(obj, method, args...)
	})
	if err != nil {
		s.state = StateFaulted
		s.tel.Metrics.RecordDispatchCall(method, "abandoned", time.Since(start))
		telemetry.RecordError(span, err)
		s.logger.WithError(err).WithField("method", method).Error("automation call abandoned")
		return variant.Empty(), engine.NewTransientError(fallback,
			fmt.Errorf("%s abandoned: %w", method, err)).WithOperation(method)
	}
	if out.err != nil {
		s.tel.Metrics.RecordDispatchCall(method, "error", time.Since(start))
		telemetry.RecordError(span, out.err)
		return variant.Empty(), classify(out.err, fallback).WithOperation(method)
	}
	s.tel.Metrics.RecordDispatchCall(method, "success", time.Since(start))
	telemetry.RecordSuccess(span)
	return out.value, nil
}

// classify maps a dynamic-call failure onto the run taxonomy. Everything
// without a finer classification folds into the operation's lifecycle
// code, application exceptions included: a rejected BeginSession IS the
// session failure. ProcessRequest re-keys its exceptions afterwards,
// because there an exception fails one query, not the session.
func classify(err error, fallback engine.ErrorCode) *engine.SyncError {
	switch {
	case dispatch.IsResolutionFailure(err):
		return engine.NewTransientError(engine.ErrCodeDispatchResolutionFailed, err)
	case dispatch.IsArgCountMismatch(err), variant.IsTypeMismatch(err):
		return engine.NewPermanentError(engine.ErrCodeTypeMismatch, err)
	default:
		return engine.NewTransientError(fallback, err)
	}
}

// releaseObjectLocked returns the interface reference to its apartment.
// The release runs on the worker when one is still serving; a wedged
// worker means the reference leaks and the leak is logged.
func (s *Session) releaseObjectLocked(ctx context.Context) {
	if s.obj == nil {
		return
	}
	obj := s.obj
	s.obj = nil
	if s.worker == nil {
		obj.Release()
		return
	}
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CallTimeout)
	defer cancel()
	if err := s.worker.submit(relCtx, obj.Release); err != nil {
		s.logger.WithError(err).Warn("interface reference not released")
	}
}

// stopWorkerLocked retires the apartment worker, waiting briefly for its
// backlog. A worker that cannot drain keeps running detached and leaves
// the apartment on its own once the wedged call returns.
func (s *Session) stopWorkerLocked() {
	if s.worker == nil {
		return
	}
	if !s.worker.stop(workerDrainTimeout) {
		s.logger.Warn("apartment worker still draining")
	}
	s.worker = nil
}

// apartment is what the worker holds between entering and leaving its
// single-threaded automation apartment.
type apartment interface {
	Leave()
}

// apartmentWorker owns one automation apartment on one OS-locked
// goroutine and executes submitted calls strictly sequentially. Objects
// created inside the apartment are only valid on its thread, so every
// touch of the live interface goes through submit.
type apartmentWorker struct {
	calls chan func()
	done  chan struct{}
}

// startApartmentWorker spawns the worker goroutine and waits until it
// has joined its apartment.
func startApartmentWorker(enter func() (apartment, error)) (*apartmentWorker, error) {
	w := &apartmentWorker{
		calls: make(chan func()),
		done:  make(chan struct{}),
	}
	ready := make(chan error, 1)
	go w.loop(enter, ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return w, nil
}

func (w *apartmentWorker) loop(enter func() (apartment, error), ready chan<- error) {
	defer close(w.done)
	apt, err := enter()
	ready <- err
	if err != nil {
		return
	}
	defer apt.Leave()
	for fn := range w.calls {
		fn()
	}
}

// submit runs fn on the apartment thread, waiting no longer than ctx
// allows. A timed-out call keeps running on the worker; only the wait is
// abandoned.
func (w *apartmentWorker) submit(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case w.calls <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return errors.New("apartment worker stopped")
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop closes the intake and waits for the worker to leave its
// apartment. It reports false when the worker is still draining a
// wedged call; the worker then finishes detached.
func (w *apartmentWorker) stop(timeout time.Duration) bool {
	close(w.calls)
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
