// Package provisioning implements the Provisioning State Machine: the
// single most consequential piece of Broker logic. It enforces that
// each client request is currently permitted given the session's phase,
// the authenticated principal's roles, and the policy's declared arity.
package provisioning

import (
	"fmt"

	"github.com/ShaleXIONG/veracruz/internal/brokererr"
	"github.com/ShaleXIONG/veracruz/internal/policy"
	"github.com/ShaleXIONG/veracruz/internal/session"
	"github.com/ShaleXIONG/veracruz/internal/wire"
)

// Machine checks one client request against a session's phase, the
// Policy View's authorization rules, and declared arity.
type Machine struct {
	view *policy.View
}

// New builds a Machine bound to one Policy View.
func New(view *policy.View) *Machine {
	return &Machine{view: view}
}

// allowed lists, per phase, which request kinds the phase table in
// spec.md §4.6 permits. Hash/policy/state queries are handled specially
// below since they are always available once a session is open.
var allowed = map[wire.Phase]map[wire.RequestKind]bool{
	wire.PhaseInitial: {
		wire.ReqUploadProgram: true,
	},
	wire.PhaseDataLoading: {
		wire.ReqUploadData: true,
	},
	wire.PhaseStreamLoading: {
		wire.ReqUploadStream: true,
	},
	wire.PhaseReadyToExecute: {
		wire.ReqRequestResult:     true,
		wire.ReqRequestNextRound: true,
	},
	wire.PhaseFinished: {
		wire.ReqRequestShutdown: true,
	},
}

// alwaysAvailable are request kinds permitted in every phase once a
// session is open, per spec.md §4.6.
var alwaysAvailable = map[wire.RequestKind]bool{
	wire.ReqRequestProgramFingerprint: true,
	wire.ReqRequestPolicyDigest:       true,
	wire.ReqRequestEnclaveState:       true,
}

// Check validates req against s's current phase and the requesting
// principal's authorization, returning a typed error if it is not
// currently permitted. It does not change s's phase; callers apply the
// resulting transition separately once the enclave confirms it. For an
// accepted data or stream upload it does record the package_id in s's
// per-phase dedup set.
func (m *Machine) Check(s *session.Session, req *wire.Request) error {
	if alwaysAvailable[req.Kind] {
		return nil
	}

	if !allowed[s.Phase][req.Kind] {
		return brokererr.New(brokererr.ProtocolOrder,
			fmt.Sprintf("request kind %d not permitted in phase %s", req.Kind, s.Phase))
	}

	switch req.Kind {
	case wire.ReqUploadProgram:
		if err := m.view.Authorize(s.PrincipalCertFingerprint, policy.RoleProgramProvider); err != nil {
			return err
		}
	case wire.ReqUploadData:
		if req.PackageID >= m.view.DataArity() {
			return brokererr.New(brokererr.ProtocolArity, "data package_id out of range")
		}
		if err := m.view.AuthorizeDataIndex(s.PrincipalCertFingerprint, req.PackageID); err != nil {
			return err
		}
		if err := s.MarkDataSeen(req.PackageID); err != nil {
			return err
		}
	case wire.ReqUploadStream:
		if req.PackageID >= m.view.StreamArity() {
			return brokererr.New(brokererr.ProtocolArity, "stream package_id out of range")
		}
		if err := m.view.AuthorizeStreamIndex(s.PrincipalCertFingerprint, req.PackageID); err != nil {
			return err
		}
		if err := s.MarkStreamSeen(req.PackageID); err != nil {
			return err
		}
	case wire.ReqRequestResult:
		if err := m.view.Authorize(s.PrincipalCertFingerprint, policy.RoleResultReceiver); err != nil {
			return err
		}
	}

	return nil
}

// NextPhase computes the phase transition caused by a successfully
// processed request, per the "Causes transition to" column of spec.md's
// phase table. dataComplete/streamRoundComplete are reported by the
// caller based on arity counts it tracks (the Machine itself does not
// own upload counts beyond per-round dedup).
func (m *Machine) NextPhase(current wire.Phase, req *wire.Request, dataComplete, streamRoundComplete bool) wire.Phase {
	switch current {
	case wire.PhaseInitial:
		if req.Kind == wire.ReqUploadProgram {
			return wire.PhaseDataLoading
		}
	case wire.PhaseDataLoading:
		if req.Kind == wire.ReqUploadData && dataComplete {
			if m.view.StreamArity() > 0 {
				return wire.PhaseStreamLoading
			}
			return wire.PhaseReadyToExecute
		}
	case wire.PhaseStreamLoading:
		if req.Kind == wire.ReqUploadStream && streamRoundComplete {
			return wire.PhaseReadyToExecute
		}
	case wire.PhaseReadyToExecute:
		if req.Kind == wire.ReqRequestNextRound {
			return wire.PhaseStreamLoading
		}
		if req.Kind == wire.ReqRequestResult && m.view.StreamArity() == 0 {
			return wire.PhaseFinished
		}
	}
	return current
}
