// Package session owns the dashboard's authentication state. A single
// goroutine applies lifecycle events and operation requests in order.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"align/internal/api"
	"align/internal/identity"
	"align/internal/metrics"
)

// State is the coarse authentication state shown to the dashboard.
type State string

const (
	StateInitializing    State = "initializing"
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
)

// RouteSignIn is the sign-in entry point.
const RouteSignIn = "/login"

const routeConfirm = "/confirm-registration"

// ConfirmRoute returns the confirmation entry point for email.
func ConfirmRoute(email string) string {
	return routeConfirm + "?email=" + url.QueryEscape(email)
}

var (
	// ErrClosed is returned once the machine has been closed.
	ErrClosed = errors.New("session machine closed")
	// ErrNotStarted is returned for operations issued before Start.
	ErrNotStarted = errors.New("session machine not started")
	// ErrSuperseded means a profile result was discarded because a sign-out arrived first.
	ErrSuperseded = errors.New("profile result superseded by sign-out")
	// ErrProfileSync is returned when sign-in succeeded but the profile could not be loaded.
	ErrProfileSync = errors.New("could not sync profile")
	// ErrNotAuthenticated is returned by operations that need a signed-in user.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Snapshot is a read-only copy of the session.
type Snapshot struct {
	State         State     `json:"state"`
	Authenticated bool      `json:"isAuthenticated"`
	Loading       bool      `json:"loading"`
	User          *api.User `json:"user"`
}

// Navigator performs route changes requested by the machine. It must be safe
// for concurrent use.
type Navigator interface {
	Navigate(route string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(route string)

// Navigate calls f(route).
func (f NavigatorFunc) Navigate(route string) {
	f(route)
}

// ProfileSource loads and updates the backend profile. *api.Client satisfies it.
type ProfileSource interface {
	FetchProfile(ctx context.Context) (api.User, error)
	AddSkills(ctx context.Context, names []string) (api.User, error)
}

// Registration carries the sign-up form.
type Registration struct {
	FullName string
	Email    string
	Password string
}

type commandKind int

const (
	cmdProbe commandKind = iota
	cmdSignedIn
	cmdSignedOut
	cmdRefresh
	cmdAddSkills
	cmdBarrier
)

func (k commandKind) String() string {
	switch k {
	case cmdProbe:
		return "probe"
	case cmdSignedIn:
		return "signed_in"
	case cmdSignedOut:
		return "signed_out"
	case cmdRefresh:
		return "refresh"
	case cmdAddSkills:
		return "add_skills"
	default:
		return "barrier"
	}
}

type result struct {
	snap Snapshot
	err  error
}

type command struct {
	kind   commandKind
	skills []string
	reply  chan result
}

// Machine is the single writer of the session.
type Machine struct {
	gateway  identity.Gateway
	profiles ProfileSource
	nav      Navigator
	logger   *slog.Logger
	metrics  metrics.Recorder

	mu          sync.Mutex
	pending     []command
	started     bool
	closed      bool
	unsubscribe func()
	wake        chan struct{}
	stop        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once

	// signOuts counts signedOut events seen by the hub handler. A fetch that
	// observes a change across its call is stale.
	signOuts atomic.Uint64

	stateMu sync.RWMutex
	settled bool
	loading bool
	user    *api.User
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the machine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records state transitions and auth outcomes on r.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Machine) {
		m.metrics = metrics.OrNop(r)
	}
}

// NewMachine constructs a Machine in the initializing state.
func NewMachine(gateway identity.Gateway, profiles ProfileSource, nav Navigator, opts ...Option) *Machine {
	if gateway == nil || profiles == nil || nav == nil {
		panic("session: gateway, profile source and navigator are required")
	}
	m := &Machine{
		gateway:  gateway,
		profiles: profiles,
		nav:      nav,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:  metrics.Nop{},
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		loading:  true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to lifecycle events, starts the event loop and queues the
// initial session probe.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return errors.New("session machine already started")
	}
	m.mu.Unlock()

	unsubscribe := m.gateway.Subscribe(m.handleEvent)
	if err := ctx.Err(); err != nil {
		unsubscribe()
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		unsubscribe()
		return ErrClosed
	}
	m.started = true
	m.unsubscribe = unsubscribe
	m.pending = append(m.pending, command{kind: cmdProbe})
	m.mu.Unlock()

	go m.run(ctx)
	m.signal()
	return nil
}

// Close releases the lifecycle subscription and stops the event loop. Callers
// still waiting receive ErrClosed.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		started := m.started
		unsubscribe := m.unsubscribe
		m.unsubscribe = nil
		m.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		close(m.stop)
		if started {
			<-m.done
		}
	})
}

// Snapshot returns a copy of the current session.
func (m *Machine) Snapshot() Snapshot {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		State:         m.stateLocked(),
		Authenticated: m.user != nil,
		Loading:       m.loading,
		User:          m.user.Clone(),
	}
}

func (m *Machine) stateLocked() State {
	switch {
	case m.user != nil:
		return StateAuthenticated
	case !m.settled:
		return StateInitializing
	default:
		return StateUnauthenticated
	}
}

// SignIn signs in through the gateway and waits until the resulting profile
// fetch settled. A sign-in while a session is held re-runs the profile fetch.
func (m *Machine) SignIn(ctx context.Context, email, password string) error {
	err := m.gateway.SignIn(ctx, email, password)
	switch {
	case err == nil:
		snap, err := m.submit(ctx, command{kind: cmdBarrier})
		if err != nil {
			m.metrics.RecordAuthOperation("sign_in", "error")
			return err
		}
		if !snap.Authenticated {
			m.metrics.RecordAuthOperation("sign_in", "profile_error")
			return ErrProfileSync
		}
		m.metrics.RecordAuthOperation("sign_in", "ok")
		return nil
	case errors.Is(err, identity.ErrAlreadyAuthenticated):
		m.logger.Info("sign in while authenticated, reconciling profile")
		if _, ferr := m.submit(ctx, command{kind: cmdRefresh}); ferr != nil {
			m.metrics.RecordAuthOperation("sign_in", "profile_error")
			return fmt.Errorf("%w: %w", ErrProfileSync, ferr)
		}
		m.metrics.RecordAuthOperation("sign_in", "reconciled")
		return nil
	default:
		m.metrics.RecordAuthOperation("sign_in", "error")
		return err
	}
}

// SignUp registers the account and moves the dashboard to the confirmation step.
func (m *Machine) SignUp(ctx context.Context, reg Registration) (identity.SignUpResult, error) {
	res, err := m.gateway.SignUp(ctx, reg.Email, reg.Password, map[string]string{
		identity.AttributeEmail:    reg.Email,
		identity.AttributeFullName: reg.FullName,
	})
	if err != nil {
		m.metrics.RecordAuthOperation("sign_up", "error")
		return identity.SignUpResult{}, err
	}
	m.metrics.RecordAuthOperation("sign_up", "ok")
	m.nav.Navigate(ConfirmRoute(reg.Email))
	return res, nil
}

// ConfirmSignUp confirms the account and moves the dashboard to sign-in.
func (m *Machine) ConfirmSignUp(ctx context.Context, email, code string) error {
	if err := m.gateway.ConfirmSignUp(ctx, email, code); err != nil {
		m.metrics.RecordAuthOperation("confirm_sign_up", "error")
		return err
	}
	m.metrics.RecordAuthOperation("confirm_sign_up", "ok")
	m.nav.Navigate(RouteSignIn)
	return nil
}

// SignOut signs out through the gateway. The signedOut event clears the
// session and navigates to sign-in.
func (m *Machine) SignOut(ctx context.Context) error {
	if err := m.gateway.SignOut(ctx); err != nil {
		m.metrics.RecordAuthOperation("sign_out", "error")
		return err
	}
	m.metrics.RecordAuthOperation("sign_out", "ok")
	_, err := m.submit(ctx, command{kind: cmdBarrier})
	return err
}

// RefreshProfile re-fetches the profile and replaces the session user.
func (m *Machine) RefreshProfile(ctx context.Context) (Snapshot, error) {
	return m.submit(ctx, command{kind: cmdRefresh})
}

// AddSkills attaches skills to the signed-in user's profile.
func (m *Machine) AddSkills(ctx context.Context, names []string) (Snapshot, error) {
	return m.submit(ctx, command{kind: cmdAddSkills, skills: append([]string(nil), names...)})
}

func (m *Machine) handleEvent(evt identity.Event) {
	switch evt.Type {
	case identity.EventSignedIn:
		m.enqueue(command{kind: cmdSignedIn})
	case identity.EventSignedOut:
		m.signOuts.Add(1)
		m.enqueue(command{kind: cmdSignedOut})
	case identity.EventTokenRefreshed:
		m.logger.Debug("session tokens refreshed")
	}
}

func (m *Machine) enqueue(cmd command) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.pending = append(m.pending, cmd)
	m.mu.Unlock()
	m.signal()
	return true
}

func (m *Machine) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Machine) submit(ctx context.Context, cmd command) (Snapshot, error) {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return m.Snapshot(), ErrNotStarted
	}

	cmd.reply = make(chan result, 1)
	if !m.enqueue(cmd) {
		return m.Snapshot(), ErrClosed
	}

	select {
	case r := <-cmd.reply:
		return r.snap, r.err
	case <-ctx.Done():
		return m.Snapshot(), ctx.Err()
	case <-m.done:
		select {
		case r := <-cmd.reply:
			return r.snap, r.err
		default:
			return m.Snapshot(), ErrClosed
		}
	}
}

func (m *Machine) run(ctx context.Context) {
	defer close(m.done)
	defer m.drain()

	for {
		cmd, ok := m.next(ctx)
		if !ok {
			return
		}
		snap, err := m.execute(ctx, cmd)
		if cmd.reply != nil {
			cmd.reply <- result{snap: snap, err: err}
		}
	}
}

func (m *Machine) next(ctx context.Context) (command, bool) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return command{}, false
		}
		if len(m.pending) > 0 {
			cmd := m.pending[0]
			m.pending[0] = command{}
			m.pending = m.pending[1:]
			m.mu.Unlock()
			return cmd, true
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-m.stop:
			return command{}, false
		case <-ctx.Done():
			return command{}, false
		}
	}
}

func (m *Machine) drain() {
	m.mu.Lock()
	m.closed = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	snap := m.Snapshot()
	for _, cmd := range pending {
		if cmd.reply != nil {
			cmd.reply <- result{snap: snap, err: ErrClosed}
		}
	}
}

func (m *Machine) execute(ctx context.Context, cmd command) (Snapshot, error) {
	switch cmd.kind {
	case cmdProbe:
		return m.probe(ctx)
	case cmdSignedIn, cmdRefresh:
		return m.fetch(ctx, cmd.kind)
	case cmdSignedOut:
		m.apply(nil, false)
		m.logger.Info("signed out")
		m.nav.Navigate(RouteSignIn)
		return m.Snapshot(), nil
	case cmdAddSkills:
		return m.addSkills(ctx, cmd.skills)
	default:
		return m.Snapshot(), nil
	}
}

func (m *Machine) probe(ctx context.Context) (Snapshot, error) {
	epoch := m.signOuts.Load()
	if _, err := m.gateway.CurrentSession(ctx); err != nil {
		if errors.Is(err, identity.ErrNoSession) {
			m.logger.Debug("no existing session")
		} else {
			m.logger.Warn("session probe failed", "error", err)
		}
		if m.signOuts.Load() == epoch {
			m.apply(nil, false)
		}
		return m.Snapshot(), nil
	}
	return m.fetch(ctx, cmdProbe)
}

func (m *Machine) fetch(ctx context.Context, kind commandKind) (Snapshot, error) {
	epoch := m.signOuts.Load()
	m.setLoading(true)

	user, err := m.profiles.FetchProfile(ctx)
	if m.signOuts.Load() != epoch {
		m.logger.Debug("discarding stale profile result", "trigger", kind.String())
		return m.Snapshot(), ErrSuperseded
	}
	if err != nil {
		m.logger.Warn("profile fetch failed", "trigger", kind.String(), "error", err)
		m.apply(nil, false)
		return m.Snapshot(), err
	}

	m.apply(&user, false)
	return m.Snapshot(), nil
}

func (m *Machine) addSkills(ctx context.Context, names []string) (Snapshot, error) {
	if !m.Snapshot().Authenticated {
		return m.Snapshot(), ErrNotAuthenticated
	}

	epoch := m.signOuts.Load()
	user, err := m.profiles.AddSkills(ctx, names)
	if m.signOuts.Load() != epoch {
		return m.Snapshot(), ErrSuperseded
	}
	if err != nil {
		var perr *api.ProfileError
		if errors.As(err, &perr) && perr.Unauthorized() {
			m.apply(nil, false)
		}
		m.logger.Warn("add skills failed", "error", err)
		return m.Snapshot(), err
	}

	m.apply(&user, false)
	return m.Snapshot(), nil
}

func (m *Machine) setLoading(loading bool) {
	m.stateMu.Lock()
	m.loading = loading
	m.stateMu.Unlock()
}

// apply replaces the user and records a transition when the state changed.
func (m *Machine) apply(user *api.User, loading bool) {
	m.stateMu.Lock()
	before := m.stateLocked()
	m.user = user.Clone()
	m.settled = true
	m.loading = loading
	after := m.stateLocked()
	m.stateMu.Unlock()

	if before != after {
		m.logger.Info("session state changed", "from", before, "to", after)
		m.metrics.RecordSessionTransition(string(after))
	}
}
