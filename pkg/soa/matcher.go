package soa

import (
	"sort"
	"time"

	"github.com/procurehq/vmp/pkg/invoices"
)

// Matcher pairs statement lines with ledger invoices. One Matcher is one
// reconciliation run: an invoice consumed by a line is not offered to later
// lines, and invoices already matched by an earlier run are excluded up
// front. Candidates are ordered deterministically so identical inputs
// always produce identical pairings.
type Matcher struct {
	tolerance time.Duration
	open      []*invoices.Invoice
	used      map[string]bool
}

// NewMatcher prepares a run over the vendor's candidate invoices. tolerance
// bounds the date drift accepted by the tolerance pass.
func NewMatcher(candidates []*invoices.Invoice, tolerance time.Duration) *Matcher {
	open := make([]*invoices.Invoice, 0, len(candidates))
	for _, inv := range candidates {
		if inv.Status == invoices.StatusMatched {
			continue
		}
		open = append(open, inv)
	}
	sort.Slice(open, func(i, j int) bool {
		if !open[i].InvoiceDate.Equal(open[j].InvoiceDate) {
			return open[i].InvoiceDate.Before(open[j].InvoiceDate)
		}
		if open[i].InvoiceNumber != open[j].InvoiceNumber {
			return open[i].InvoiceNumber < open[j].InvoiceNumber
		}
		return open[i].ID < open[j].ID
	})
	return &Matcher{tolerance: tolerance, open: open, used: make(map[string]bool)}
}

// Outcome is one successful pairing. AmountDelta and DaysDelta are
// line-minus-invoice.
type Outcome struct {
	Invoice     *invoices.Invoice
	Pass        string
	AmountDelta invoices.Cents
	DaysDelta   int
}

// Exact reports whether the pairing drifted in neither amount nor date.
func (o *Outcome) Exact() bool {
	return o.AmountDelta == 0 && o.DaysDelta == 0
}

// Match runs the passes in order and consumes the first invoice that
// qualifies:
//
//   - A: document number, currency and amount identical, dates equal.
//   - B: as A, but the dates may drift within the tolerance.
//   - C: A then B again, with document numbers normalized on both sides.
//
// A nil return means the line stays unmatched.
func (m *Matcher) Match(line *Line) *Outcome {
	passes := []struct {
		letter     string
		normalized bool
		tolerance  time.Duration
	}{
		{PassExact, false, 0},
		{PassDateTolerance, false, m.tolerance},
		{PassNormalized, true, 0},
		{PassNormalized, true, m.tolerance},
	}
	for _, p := range passes {
		inv := m.find(line, p.normalized, p.tolerance)
		if inv == nil {
			continue
		}
		m.used[inv.ID] = true
		return &Outcome{
			Invoice:     inv,
			Pass:        p.letter,
			AmountDelta: line.AmountCents - inv.AmountCents,
			DaysDelta:   daysBetween(inv.InvoiceDate, line.DocDate),
		}
	}
	return nil
}

func (m *Matcher) find(line *Line, normalized bool, tolerance time.Duration) *invoices.Invoice {
	want := line.DocNumber
	if normalized {
		want = NormalizeDocNumber(want)
	}
	for _, inv := range m.open {
		if m.used[inv.ID] {
			continue
		}
		num := inv.InvoiceNumber
		if normalized {
			num = NormalizeDocNumber(num)
		}
		if num != want || inv.Currency != line.Currency || inv.AmountCents != line.AmountCents {
			continue
		}
		drift := line.DocDate.Sub(inv.InvoiceDate)
		if drift < 0 {
			drift = -drift
		}
		if drift > tolerance {
			continue
		}
		return inv
	}
	return nil
}

// daysBetween returns to-minus-from in whole days. Both sides are UTC
// midnights, so the division is exact.
func daysBetween(from, to time.Time) int {
	return int(to.Sub(from) / (24 * time.Hour))
}
