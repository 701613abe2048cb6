// Package lifecycle owns the ticket state machine: a single transition
// table and the compare-and-set application of its rules.
package lifecycle

import (
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// Action is a request to move a ticket through its lifecycle.
type Action string

const (
	ActionClaim                    Action = "claim"
	ActionAssign                   Action = "assign"
	ActionWaitUser                 Action = "wait_user"
	ActionWaitThirdParty           Action = "wait_third_party"
	ActionResume                   Action = "resume"
	ActionFinalize                 Action = "finalize"
	ActionApprove                  Action = "approve"
	ActionReject                   Action = "reject"
	ActionReopen                   Action = "reopen"
	ActionClose                    Action = "close"
	ActionMarkOverdueFirstResponse Action = "mark_overdue_first_response"
	ActionMarkOverdueResolution    Action = "mark_overdue_resolution"
)

// AllActions lists every action known to the table.
var AllActions = []Action{
	ActionClaim,
	ActionAssign,
	ActionWaitUser,
	ActionWaitThirdParty,
	ActionResume,
	ActionFinalize,
	ActionApprove,
	ActionReject,
	ActionReopen,
	ActionClose,
	ActionMarkOverdueFirstResponse,
	ActionMarkOverdueResolution,
}

// Relation describes how an actor relates to a specific ticket. An actor
// can hold several relations at once, e.g. an admin who filed the ticket.
type Relation uint8

const (
	RelationRequester Relation = 1 << iota
	RelationAssignee
	RelationAttendant
	RelationAdmin
	RelationSystem
)

// Has reports whether r includes any relation in other.
func (r Relation) Has(other Relation) bool {
	return r&other != 0
}

// Relate derives the relations of actor to ticket.
func Relate(actor domain.Actor, ticket *domain.Ticket) Relation {
	var rel Relation
	switch actor.Role {
	case domain.RoleSystem:
		return RelationSystem
	case domain.RoleAdmin:
		rel |= RelationAdmin
	case domain.RoleAttendant:
		rel |= RelationAttendant
	}
	if actor.IsStaff() && ticket.AttendantID != nil && *ticket.AttendantID == actor.UserID {
		rel |= RelationAssignee
	}
	if ticket.RequesterID == actor.UserID {
		rel |= RelationRequester
	}
	return rel
}

// Rule is one row of the transition table.
type Rule struct {
	Next    domain.TicketStatus
	Allowed Relation
	// NextIfAssigned overrides Next when the ticket already has an attendant.
	NextIfAssigned domain.TicketStatus
}

// Target resolves the destination status for ticket.
func (r Rule) Target(ticket *domain.Ticket) domain.TicketStatus {
	if r.NextIfAssigned != "" && ticket.IsAssigned() {
		return r.NextIfAssigned
	}
	return r.Next
}

type transitionKey struct {
	from   domain.TicketStatus
	action Action
}

const (
	staffOnTicket = RelationAssignee | RelationAdmin
	anyStaff      = RelationAttendant | RelationAssignee | RelationAdmin
)

var transitions = map[transitionKey]Rule{
	{domain.TicketStatusOpen, ActionClaim}:                    {Next: domain.TicketStatusInProgress, Allowed: anyStaff},
	{domain.TicketStatusOpen, ActionAssign}:                   {Next: domain.TicketStatusInProgress, Allowed: anyStaff},
	{domain.TicketStatusOpen, ActionMarkOverdueFirstResponse}: {Next: domain.TicketStatusOverdueFirstResponse, Allowed: RelationSystem},
	{domain.TicketStatusOpen, ActionMarkOverdueResolution}:    {Next: domain.TicketStatusOverdueResolution, Allowed: RelationSystem},

	{domain.TicketStatusInProgress, ActionWaitUser}:                 {Next: domain.TicketStatusPendingUser, Allowed: staffOnTicket},
	{domain.TicketStatusInProgress, ActionWaitThirdParty}:           {Next: domain.TicketStatusPendingThirdParty, Allowed: staffOnTicket},
	{domain.TicketStatusInProgress, ActionFinalize}:                 {Next: domain.TicketStatusPendingApproval, Allowed: staffOnTicket},
	{domain.TicketStatusInProgress, ActionAssign}:                   {Next: domain.TicketStatusInProgress, Allowed: staffOnTicket},
	{domain.TicketStatusInProgress, ActionMarkOverdueFirstResponse}: {Next: domain.TicketStatusOverdueFirstResponse, Allowed: RelationSystem},
	{domain.TicketStatusInProgress, ActionMarkOverdueResolution}:    {Next: domain.TicketStatusOverdueResolution, Allowed: RelationSystem},

	{domain.TicketStatusPendingUser, ActionResume}:                   {Next: domain.TicketStatusInProgress, Allowed: staffOnTicket},
	{domain.TicketStatusPendingUser, ActionMarkOverdueFirstResponse}: {Next: domain.TicketStatusOverdueFirstResponse, Allowed: RelationSystem},
	{domain.TicketStatusPendingUser, ActionMarkOverdueResolution}:    {Next: domain.TicketStatusOverdueResolution, Allowed: RelationSystem},

	{domain.TicketStatusPendingThirdParty, ActionResume}:                   {Next: domain.TicketStatusInProgress, Allowed: staffOnTicket},
	{domain.TicketStatusPendingThirdParty, ActionMarkOverdueFirstResponse}: {Next: domain.TicketStatusOverdueFirstResponse, Allowed: RelationSystem},
	{domain.TicketStatusPendingThirdParty, ActionMarkOverdueResolution}:    {Next: domain.TicketStatusOverdueResolution, Allowed: RelationSystem},

	{domain.TicketStatusPendingApproval, ActionApprove}: {Next: domain.TicketStatusClosed, Allowed: RelationRequester},
	{domain.TicketStatusPendingApproval, ActionReject}:  {Next: domain.TicketStatusInProgress, Allowed: RelationRequester},

	{domain.TicketStatusOverdueFirstResponse, ActionClaim}:                 {Next: domain.TicketStatusInProgress, Allowed: anyStaff},
	{domain.TicketStatusOverdueFirstResponse, ActionResume}:                {Next: domain.TicketStatusInProgress, Allowed: staffOnTicket},
	{domain.TicketStatusOverdueFirstResponse, ActionAssign}:                {Next: domain.TicketStatusInProgress, Allowed: anyStaff},
	{domain.TicketStatusOverdueFirstResponse, ActionMarkOverdueResolution}: {Next: domain.TicketStatusOverdueResolution, Allowed: RelationSystem},

	{domain.TicketStatusOverdueResolution, ActionClaim}:  {Next: domain.TicketStatusInProgress, Allowed: anyStaff},
	{domain.TicketStatusOverdueResolution, ActionResume}: {Next: domain.TicketStatusInProgress, Allowed: staffOnTicket},
	{domain.TicketStatusOverdueResolution, ActionAssign}: {Next: domain.TicketStatusInProgress, Allowed: anyStaff},

	{domain.TicketStatusResolved, ActionClose}: {Next: domain.TicketStatusClosed, Allowed: RelationAdmin},

	{domain.TicketStatusClosed, ActionReopen}: {
		Next:           domain.TicketStatusOpen,
		NextIfAssigned: domain.TicketStatusInProgress,
		Allowed:        RelationRequester | RelationAdmin,
	},
}

// Lookup validates (from, action, relation) against the table. It fails
// with INVALID_TRANSITION when the state does not accept the action and
// with FORBIDDEN when the actor may not perform an otherwise valid one.
func Lookup(from domain.TicketStatus, action Action, rel Relation) (Rule, error) {
	rule, ok := transitions[transitionKey{from: from, action: action}]
	if !ok {
		return Rule{}, apperrors.NewInvalidTransition("action not allowed in current status", map[string]any{
			"status": from,
			"action": action,
		})
	}
	if !rel.Has(rule.Allowed) {
		return Rule{}, apperrors.NewForbidden("actor may not " + string(action) + " this ticket")
	}
	return rule, nil
}

// Allowed lists the actions rel may perform on a ticket in status from.
func Allowed(from domain.TicketStatus, rel Relation) []Action {
	var out []Action
	for _, action := range AllActions {
		if rule, ok := transitions[transitionKey{from: from, action: action}]; ok && rel.Has(rule.Allowed) {
			out = append(out, action)
		}
	}
	return out
}

// ParseAction resolves a wire action name.
func ParseAction(name string) (Action, bool) {
	for _, action := range AllActions {
		if string(action) == name {
			return action, true
		}
	}
	return "", false
}
