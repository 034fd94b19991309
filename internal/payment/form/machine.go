// Package form implements the payment form controller shared by the
// booking and wallet top-up flows.
package form

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"payflow/internal/payment/domain"
)

// Trigger drives the form state machine.
type Trigger string

const (
	TriggerSubmit  Trigger = "submit"
	TriggerSucceed Trigger = "succeed"
	TriggerFail    Trigger = "fail"
	TriggerPend    Trigger = "pend"
)

// Machine is the form submission state machine:
//
//	idle -> submitting -> {succeeded, failed, pending}
//	failed -> submitting
//
// succeeded and pending accept no triggers.
type Machine struct {
	sm *stateless.StateMachine
}

// NewMachine returns a machine in the idle state.
func NewMachine() *Machine {
	sm := stateless.NewStateMachine(domain.FormIdle)

	sm.Configure(domain.FormIdle).
		Permit(TriggerSubmit, domain.FormSubmitting)

	sm.Configure(domain.FormSubmitting).
		Permit(TriggerSucceed, domain.FormSucceeded).
		Permit(TriggerFail, domain.FormFailed).
		Permit(TriggerPend, domain.FormPending)

	sm.Configure(domain.FormFailed).
		Permit(TriggerSubmit, domain.FormSubmitting)

	sm.Configure(domain.FormSucceeded)
	sm.Configure(domain.FormPending)

	return &Machine{sm: sm}
}

// State returns the current state.
func (m *Machine) State() domain.FormState {
	return m.sm.MustState().(domain.FormState)
}

// Fire applies t, failing when the current state does not permit it.
func (m *Machine) Fire(ctx context.Context, t Trigger) error {
	from := m.State()
	if err := m.sm.FireCtx(ctx, t); err != nil {
		return fmt.Errorf("form transition %s from %s: %w", t, from, err)
	}
	return nil
}
