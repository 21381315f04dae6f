// Package authz is the row-level policy engine. Every guarded data operation
// is checked here, against the same rule table, before any store or object
// call runs. Handlers and clients may mirror these rules for UX gating, but
// this package is the only authority.
package authz

import (
	"fmt"

	"shelfmark/pkg/domain"
)

// Op enumerates the data-tier operations rules are keyed on.
type Op string

const (
	OpSelect Op = "select"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Resource enumerates the guarded record kinds.
type Resource string

const (
	Books    Resource = "books"
	Profiles Resource = "profiles"
	Roles    Resource = "roles"
	Reviews  Resource = "reviews"
	Messages Resource = "messages"
)

// Record is the row view a predicate evaluates: only the ownership columns
// policies key on. OwnerID carries books.uploaded_by, profiles.user_id,
// user_roles.user_id, or reviews.user_id depending on the resource; the
// sender/recipient pair applies to messages only.
type Record struct {
	OwnerID     string
	SenderID    string
	RecipientID string
}

// BookRecord builds the policy view of a book row.
func BookRecord(b domain.Book) Record { return Record{OwnerID: b.UploadedBy} }

// ProfileRecord builds the policy view of a profile row.
func ProfileRecord(p domain.Profile) Record { return Record{OwnerID: p.UserID} }

// RoleRecord builds the policy view of a role assignment row. Only the
// subject user matters to the rules, so reassignments can be checked before
// the new row exists.
func RoleRecord(userID string) Record { return Record{OwnerID: userID} }

// ReviewRecord builds the policy view of a review row.
func ReviewRecord(r domain.Review) Record { return Record{OwnerID: r.UserID} }

// MessageRecord builds the policy view of a message row.
func MessageRecord(m domain.Message) Record {
	return Record{SenderID: m.SenderID, RecipientID: m.RecipientID}
}

// DeniedError reports which rule refused the operation. The text is safe to
// surface to callers.
type DeniedError struct {
	Resource Resource
	Op       Op
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s denied", e.Resource, e.Op)
}

type predicate func(actor domain.Actor, rec Record) bool

type ruleKey struct {
	res Resource
	op  Op
}

// The rule table. A missing entry denies: no actor updates books or reviews,
// and nobody deletes profiles or messages.
var rules = map[ruleKey]predicate{
	// Books: the catalog is shared; writes belong to the uploader, deletion
	// also to admins.
	{Books, OpSelect}: func(domain.Actor, Record) bool { return true },
	{Books, OpInsert}: func(a domain.Actor, r Record) bool { return r.OwnerID == a.ID },
	{Books, OpDelete}: func(a domain.Actor, r Record) bool { return r.OwnerID == a.ID || a.IsAdmin() },

	// Profiles: owners write; admins and teachers may read for contact
	// purposes.
	{Profiles, OpSelect}: func(a domain.Actor, r Record) bool {
		return r.OwnerID == a.ID || a.Role == domain.RoleAdmin || a.Role == domain.RoleTeacher
	},
	{Profiles, OpInsert}: func(a domain.Actor, r Record) bool { return r.OwnerID == a.ID },
	{Profiles, OpUpdate}: func(a domain.Actor, r Record) bool { return r.OwnerID == a.ID },

	// Roles: admins manage assignments but never their own row; everyone can
	// read their own role. Reassignment is delete-then-insert, so update has
	// no rule.
	{Roles, OpSelect}: func(a domain.Actor, r Record) bool { return r.OwnerID == a.ID || a.IsAdmin() },
	{Roles, OpInsert}: func(a domain.Actor, r Record) bool { return a.IsAdmin() && r.OwnerID != a.ID },
	{Roles, OpDelete}: func(a domain.Actor, r Record) bool { return a.IsAdmin() && r.OwnerID != a.ID },

	// Reviews: readable by everyone (they render with the catalog); insert
	// and delete belong to the author alone. Admins get no delete rule.
	{Reviews, OpSelect}: func(domain.Actor, Record) bool { return true },
	{Reviews, OpInsert}: func(a domain.Actor, r Record) bool { return r.OwnerID == a.ID },
	{Reviews, OpDelete}: func(a domain.Actor, r Record) bool { return r.OwnerID == a.ID },

	// Messages: visible to the two parties and admins; only the recipient
	// may update (used exclusively to flip the read flag).
	{Messages, OpSelect}: func(a domain.Actor, r Record) bool {
		return a.ID == r.SenderID || a.ID == r.RecipientID || a.IsAdmin()
	},
	{Messages, OpInsert}: func(a domain.Actor, r Record) bool { return r.SenderID == a.ID },
	{Messages, OpUpdate}: func(a domain.Actor, r Record) bool { return r.RecipientID == a.ID },
}

// Engine evaluates the rule table. It holds no state; the type exists so the
// authority is an explicit dependency rather than package-global calls.
type Engine struct{}

// NewEngine returns the policy engine.
func NewEngine() *Engine { return &Engine{} }

// Can reports whether the rule table allows the operation. Unknown actors
// (empty ID) are always refused; rules assume an authenticated identity.
func (e *Engine) Can(actor domain.Actor, op Op, res Resource, rec Record) bool {
	if actor.ID == "" {
		return false
	}
	rule, ok := rules[ruleKey{res, op}]
	if !ok {
		return false
	}
	return rule(actor, rec)
}

// Authorize returns nil when allowed and a *DeniedError otherwise. Callers
// must surface the denial; a denied operation never degrades into an empty
// successful result.
func (e *Engine) Authorize(actor domain.Actor, op Op, res Resource, rec Record) error {
	if e.Can(actor, op, res, rec) {
		return nil
	}
	return &DeniedError{Resource: res, Op: op}
}
