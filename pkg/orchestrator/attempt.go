package orchestrator

import (
	"context"
	"time"

	"github.com/cuemby/tenantd/pkg/types"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// attempt events
const (
	eventValidate  = "validate"
	eventReserve   = "reserve_node"
	eventProvision = "provision_database"
	eventBind      = "bind_dns"
	eventPersist   = "persist_deployment"
	eventFail      = "fail"
)

// attempt drives one provisioning run through its states and keeps the
// persisted step log in sync with every transition
type attempt struct {
	*types.Attempt
	machine *fsm.FSM
	save    func(*types.Attempt) error
	logger  zerolog.Logger
}

func newAttempt(subdomain string, plan types.PlanTier, save func(*types.Attempt) error, logger zerolog.Logger) *attempt {
	a := &attempt{
		Attempt: &types.Attempt{
			ID:        uuid.NewString(),
			Subdomain: subdomain,
			Plan:      plan,
			State:     types.AttemptReceived,
			StartedAt: time.Now(),
		},
		save:   save,
		logger: logger,
	}
	a.machine = newAttemptState(a)
	return a
}

func newAttemptState(a *attempt) *fsm.FSM {
	s := func(st types.AttemptState) string { return string(st) }

	return fsm.NewFSM(
		s(types.AttemptReceived), fsm.Events{
			{Name: eventValidate, Src: []string{s(types.AttemptReceived)}, Dst: s(types.AttemptValidated)},
			{Name: eventReserve, Src: []string{s(types.AttemptValidated)}, Dst: s(types.AttemptNodeReserved)},
			{Name: eventProvision, Src: []string{s(types.AttemptNodeReserved)}, Dst: s(types.AttemptDatabaseReady)},
			{Name: eventBind, Src: []string{s(types.AttemptDatabaseReady)}, Dst: s(types.AttemptDNSBound)},
			// database_ready -> deployment_persisted is the degraded path
			// taken when DNS binding fails
			{Name: eventPersist, Src: []string{s(types.AttemptDNSBound), s(types.AttemptDatabaseReady)}, Dst: s(types.AttemptDeploymentPersisted)},
			{Name: eventFail, Src: []string{
				s(types.AttemptReceived),
				s(types.AttemptValidated),
				s(types.AttemptNodeReserved),
				s(types.AttemptDatabaseReady),
				s(types.AttemptDNSBound),
			}, Dst: s(types.AttemptFailed)},
		},
		fsm.Callbacks{
			// Args, when present, is the error that caused the transition
			// (failure) or degraded it (persist without DNS)
			"enter_state": func(_ context.Context, e *fsm.Event) {
				var cause error
				if len(e.Args) > 0 {
					cause, _ = e.Args[0].(error)
				}
				a.State = types.AttemptState(e.Dst)
				switch {
				case e.Event == eventFail:
					a.Record(a.failedStep(e.Src), "failed", cause)
				case cause != nil:
					a.Record(e.Event, "degraded", cause)
				default:
					a.Record(e.Event, "ok", nil)
				}
				if a.terminal() {
					a.FinishedAt = time.Now()
				}
				a.logger.Debug().
					Str("from", e.Src).
					Str("to", e.Dst).
					Str("event", e.Event).
					Msg("Attempt state transition")
				a.persist()
			},
		},
	)
}

// failedStep names the step that was running when the attempt failed in src
func (a *attempt) failedStep(src string) string {
	switch types.AttemptState(src) {
	case types.AttemptReceived:
		return eventValidate
	case types.AttemptValidated:
		return eventReserve
	case types.AttemptNodeReserved:
		return eventProvision
	case types.AttemptDatabaseReady:
		return eventBind
	default:
		return eventPersist
	}
}

func (a *attempt) terminal() bool {
	return a.State == types.AttemptFailed || a.State == types.AttemptDeploymentPersisted
}

// advance fires event; args may carry a cause
func (a *attempt) advance(ctx context.Context, event string, args ...any) {
	if err := a.machine.Event(ctx, event, args...); err != nil {
		// only reachable through a programming error in the caller
		a.logger.Error().Err(err).Str("event", event).Str("state", a.machine.Current()).Msg("Invalid attempt transition")
	}
}

func (a *attempt) fail(ctx context.Context, cause error) {
	a.advance(ctx, eventFail, cause)
}

// note appends a step without a state change, such as a retry
func (a *attempt) note(step, outcome string, err error) {
	a.Record(step, outcome, err)
	a.persist()
}

func (a *attempt) persist() {
	if a.save == nil {
		return
	}
	if err := a.save(a.Attempt); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to save attempt log")
	}
}
