package trigger

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var log = logrus.WithField("pkg", "trigger")

var (
	// ErrNoMaster is returned by New when no participant is the Master
	ErrNoMaster = errors.New("no master in trigger topology")

	// ErrMultipleMasters is returned by New when more than one participant is the Master
	ErrMultipleMasters = errors.New("more than one master in trigger topology")

	// ErrNotFirer is returned by New when the Master cannot be fired
	ErrNotFirer = errors.New("master participant cannot issue a trigger")

	// ErrArmTimeout is returned by Fire when participants were not armed in time.
	// no trigger has been issued when it is returned.
	ErrArmTimeout = errors.New("participants not armed before timeout")
)

// DefaultPollInterval is the readiness gate's polling period
const DefaultPollInterval = 10 * time.Millisecond

// Participant is anything that takes part in a triggered acquisition
type Participant interface {
	Name() string
	Role() Role

	// Ready reports whether the participant is armed and waiting for the trigger
	Ready(ctx context.Context) (bool, error)

	// Triggered tells a Slave that the trigger line has been driven.
	// it records state only and must not wait on hardware.
	Triggered()
}

// Firer is a participant that can issue the software trigger
type Firer interface {
	Participant
	Fire() error
}

// Manager holds a validated trigger topology
type Manager struct {
	master    Firer
	slaves    []Participant
	poll      time.Duration
	observers []Observer
}

// Option configures a Manager
type Option func(*Manager)

// WithPollInterval sets the readiness gate polling period
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.poll = d
		}
	}
}

// WithObserver adds an observer notified of gate and fire events
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// New validates the topology formed by participants.  It fails unless
// exactly one participant is the Master.
func New(participants []Participant, opts ...Option) (*Manager, error) {
	m := &Manager{poll: DefaultPollInterval}
	var masters []string
	for _, p := range participants {
		if p.Role() == Master {
			masters = append(masters, p.Name())
			f, ok := p.(Firer)
			if !ok {
				return nil, errors.Wrapf(ErrNotFirer, "%s", p.Name())
			}
			m.master = f
			continue
		}
		m.slaves = append(m.slaves, p)
	}
	switch len(masters) {
	case 0:
		return nil, ErrNoMaster
	case 1:
	default:
		sort.Strings(masters)
		return nil, errors.Wrapf(ErrMultipleMasters, "%s", strings.Join(masters, ", "))
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Master returns the name of the master participant
func (m *Manager) Master() string {
	return m.master.Name()
}

// Slaves returns the names of the slave participants
func (m *Manager) Slaves() []string {
	out := make([]string, len(m.slaves))
	for i, s := range m.slaves {
		out[i] = s.Name()
	}
	return out
}

func (m *Manager) all() []Participant {
	return append([]Participant{m.master}, m.slaves...)
}

// notReady polls every participant once and returns the names of those not armed
func (m *Manager) notReady(ctx context.Context) ([]string, error) {
	var waiting []string
	for _, p := range m.all() {
		ok, err := p.Ready(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "readiness of %s", p.Name())
		}
		if !ok {
			waiting = append(waiting, p.Name())
		}
	}
	return waiting, nil
}

// Gate blocks until every participant is ready, the timeout elapses, or ctx
// is cancelled.  Participants are polled at the manager's poll interval.
// Running out of time yields ErrArmTimeout; cancellation of ctx is returned
// as is.
func (m *Manager) Gate(ctx context.Context, timeout time.Duration) error {
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	lim := rate.NewLimiter(rate.Every(m.poll), 1)
	var waiting []string
	for _, p := range m.all() {
		waiting = append(waiting, p.Name())
	}
	expired := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.Wrapf(ErrArmTimeout, "waiting on %s", strings.Join(waiting, ", "))
	}
	for {
		next, err := m.notReady(gctx)
		if err != nil {
			if gctx.Err() != nil {
				return expired()
			}
			return err
		}
		if len(next) == 0 {
			return nil
		}
		waiting = next
		log.WithField("waiting", waiting).Debug("gate closed")
		if err := lim.Wait(gctx); err != nil {
			return expired()
		}
	}
}

// Fire issues the master trigger once the readiness gate opens.  Slaves are
// told the line was driven after the master accepts the trigger.  If the gate
// does not open within timeout, ErrArmTimeout is returned and nothing is fired.
func (m *Manager) Fire(ctx context.Context, timeout time.Duration) error {
	if err := m.Gate(ctx, timeout); err != nil {
		return err
	}
	Notify(m.observers, Event{Source: "gate", State: GateOpen})
	if err := m.master.Fire(); err != nil {
		return errors.Wrapf(err, "fire %s", m.master.Name())
	}
	log.WithField("master", m.master.Name()).Info("trigger fired")
	for _, s := range m.slaves {
		s.Triggered()
	}
	return nil
}
