// Package validators tracks the staking validator set and its lifecycle.
package validators

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chainmesh/fabric/internal/core"
	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/internal/metrics"
	"github.com/chainmesh/fabric/internal/statemachine"
	"github.com/chainmesh/fabric/pb"
)

// Validator lifecycle states.
const (
	StatePending  = statemachine.State("PENDING")
	StateActive   = statemachine.State("ACTIVE")
	StateInactive = statemachine.State("INACTIVE")
	StateJailed   = statemachine.State("JAILED")
)

var (
	// ErrDuplicateValidator means the validator id is already registered.
	ErrDuplicateValidator = errors.New("validators: duplicate validator id")
	// ErrUnknownValidator means no validator exists for the id.
	ErrUnknownValidator = errors.New("validators: unknown validator id")
)

func lifecycleMachine() *statemachine.Machine {
	return statemachine.New(map[statemachine.State][]statemachine.State{
		StatePending:  {StateActive, StateInactive},
		StateActive:   {StateInactive, StateJailed},
		StateInactive: {StateActive},
		StateJailed:   {StateInactive},
	})
}

type entry struct {
	mu        sync.Mutex
	validator *core.Validator
	tracker   *statemachine.Tracker
}

// Registry owns the validator table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	machine *statemachine.Machine
	bus     *events.Bus
	reg     *metrics.Registry
}

func NewRegistry(bus *events.Bus, reg *metrics.Registry) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		machine: lifecycleMachine(),
		bus:     bus,
		reg:     reg,
	}
}

// Register adds a validator in the Pending state.
func (r *Registry) Register(validatorID string, publicKey []byte) (*core.Validator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[validatorID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateValidator, validatorID)
	}
	now := time.Now()
	v := &core.Validator{
		ValidatorID:  validatorID,
		PublicKey:    publicKey,
		Status:       string(StatePending),
		StakeAmount:  "0",
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	r.entries[validatorID] = &entry{
		validator: v,
		tracker:   statemachine.NewTracker(r.machine, StatePending),
	}
	r.reg.Counter("validators_registered").Inc()
	r.publish("registered", v)
	cp := *v
	return &cp, nil
}

// Activate moves the validator to Active. An invalid transition surfaces as
// a *statemachine.InvalidTransitionError for the service to map.
func (r *Registry) Activate(validatorID string) (*core.Validator, error) {
	return r.transition(validatorID, StateActive, "activated")
}

// Deactivate moves the validator to Inactive.
func (r *Registry) Deactivate(validatorID string) (*core.Validator, error) {
	return r.transition(validatorID, StateInactive, "deactivated")
}

// Jail moves an active validator to Jailed.
func (r *Registry) Jail(validatorID string) (*core.Validator, error) {
	return r.transition(validatorID, StateJailed, "jailed")
}

// Stake adds to the validator's stake. Only active validators accept stake.
func (r *Registry) Stake(validatorID, amount string) (*core.Validator, error) {
	add, err := strconv.ParseFloat(amount, 64)
	if err != nil || add <= 0 {
		return nil, fmt.Errorf("validators: invalid stake amount %q", amount)
	}
	e, err := r.entry(validatorID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tracker.Current() != StateActive {
		return nil, &statemachine.InvalidTransitionError{
			From: e.tracker.Current(), To: StateActive,
		}
	}
	current, _ := strconv.ParseFloat(e.validator.StakeAmount, 64)
	e.validator.StakeAmount = strconv.FormatFloat(current+add, 'f', -1, 64)
	e.validator.UpdatedAt = time.Now()
	r.reg.Counter("validators_stake_updates").Inc()
	r.publish("staked", e.validator)
	cp := *e.validator
	return &cp, nil
}

// Get returns a copy of the validator.
func (r *Registry) Get(validatorID string) (*core.Validator, error) {
	e, err := r.entry(validatorID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.validator
	return &cp, nil
}

// List returns a copy of every validator.
func (r *Registry) List() []*core.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.Validator, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		cp := *e.validator
		e.mu.Unlock()
		out = append(out, &cp)
	}
	return out
}

func (r *Registry) transition(validatorID string, next statemachine.State, eventType string) (*core.Validator, error) {
	e, err := r.entry(validatorID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.tracker.To(next); err != nil {
		return nil, err
	}
	e.validator.Status = string(next)
	e.validator.UpdatedAt = time.Now()
	r.publish(eventType, e.validator)
	cp := *e.validator
	return &cp, nil
}

func (r *Registry) entry(validatorID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[validatorID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownValidator, validatorID)
	}
	return e, nil
}

func (r *Registry) publish(eventType string, v *core.Validator) {
	r.bus.Emit(events.TopicValidator, &pb.ValidatorEventStream{
		EventType: eventType,
		Update:    updateOf(v),
	})
}

func updateOf(v *core.Validator) *pb.ValidatorStatusUpdate {
	return &pb.ValidatorStatusUpdate{
		ValidatorId:     v.ValidatorID,
		Status:          v.Status,
		StakeAmount:     v.StakeAmount,
		LastBlockHeight: v.LastBlockHeight,
		UpdatedAt:       v.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
