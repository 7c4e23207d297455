package imapsession

import (
	"time"

	"github.com/emersion/go-imap/v2"
)

// Criteria is a typed search-expression tree. Exactly one of the
// leaf/combinator fields is populated per node; Build lowers the tree
// into the wire-level imap.SearchCriteria the go-imap client expects.
//
// This replaces the flat, single-clause imap.SearchCriteria assembly
// the original client code built inline: callers compose And/Or/Not of
// header, flag, date and UID-range leaves instead of being limited to
// whatever fields happened to be wired into one function.
type Criteria struct {
	and []*Criteria
	or  [2]*Criteria
	not *Criteria

	header    string
	value     string
	body      string
	text      string
	flag      string
	noFlag    string
	since     time.Time
	before    time.Time
	uidStart  uint32
	uidStop   uint32
	hasUIDSet bool
}

// And requires every given criterion to match.
func And(cs ...*Criteria) *Criteria { return &Criteria{and: cs} }

// Or requires at least one of a, b to match.
func Or(a, b *Criteria) *Criteria { return &Criteria{or: [2]*Criteria{a, b}} }

// Not negates a criterion.
func Not(c *Criteria) *Criteria { return &Criteria{not: c} }

// Header matches a header field's value (substring, case-insensitive
// per IMAP SEARCH semantics).
func Header(name, value string) *Criteria { return &Criteria{header: name, value: value} }

// Body matches the message body text.
func Body(substr string) *Criteria { return &Criteria{body: substr} }

// Text matches the whole message (headers and body).
func Text(substr string) *Criteria { return &Criteria{text: substr} }

// HasFlag requires the given IMAP flag (e.g. `\Seen`) to be set.
func HasFlag(flag string) *Criteria { return &Criteria{flag: flag} }

// LacksFlag requires the given IMAP flag to be absent.
func LacksFlag(flag string) *Criteria { return &Criteria{noFlag: flag} }

// Since requires the internal date to be on or after t.
func Since(t time.Time) *Criteria { return &Criteria{since: t} }

// Before requires the internal date to be before t.
func Before(t time.Time) *Criteria { return &Criteria{before: t} }

// UIDRange requires the UID to fall in [start, stop]; stop == 0 means
// unbounded above.
func UIDRange(start, stop uint32) *Criteria {
	return &Criteria{uidStart: start, uidStop: stop, hasUIDSet: true}
}

// Build lowers the tree into an imap.SearchCriteria. Or and Not are
// lowered via imap.SearchCriteria's own Or/Not lists, since the IMAP
// SEARCH wire format has no general boolean tree — only an implicit AND
// across top-level fields plus explicit OR/NOT combinators.
func (c *Criteria) Build() *imap.SearchCriteria {
	sc := &imap.SearchCriteria{}
	c.apply(sc)
	return sc
}

func (c *Criteria) apply(sc *imap.SearchCriteria) {
	if c == nil {
		return
	}
	for _, sub := range c.and {
		sub.apply(sc)
	}
	if c.or[0] != nil && c.or[1] != nil {
		left, right := &imap.SearchCriteria{}, &imap.SearchCriteria{}
		c.or[0].apply(left)
		c.or[1].apply(right)
		sc.Or = append(sc.Or, [2]imap.SearchCriteria{*left, *right})
	}
	if c.not != nil {
		neg := &imap.SearchCriteria{}
		c.not.apply(neg)
		sc.Not = append(sc.Not, *neg)
	}
	if c.header != "" {
		sc.Header = append(sc.Header, imap.SearchCriteriaHeaderField{Key: c.header, Value: c.value})
	}
	if c.body != "" {
		sc.Body = append(sc.Body, c.body)
	}
	if c.text != "" {
		sc.Text = append(sc.Text, c.text)
	}
	if c.flag != "" {
		sc.Flag = append(sc.Flag, imap.Flag(c.flag))
	}
	if c.noFlag != "" {
		sc.NotFlag = append(sc.NotFlag, imap.Flag(c.noFlag))
	}
	if !c.since.IsZero() {
		sc.Since = c.since
	}
	if !c.before.IsZero() {
		sc.Before = c.before
	}
	if c.hasUIDSet {
		var set imap.UIDSet
		set.AddRange(imap.UID(c.uidStart), imap.UID(c.uidStop))
		sc.UID = append(sc.UID, set)
	}
}
