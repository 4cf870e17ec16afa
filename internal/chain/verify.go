package chain

import "fmt"

// Link is one accepted invoice of a tenant chain, in acceptance order.
type Link struct {
	Invoice      Invoice
	Issuer       Party
	PreviousHash string
	Hash         string
}

// VerifyLinks checks that the first link is a genesis record, that every
// link points at its predecessor and that every stored hash can be recomputed.
// head, when non-empty, must equal the last hash.
func VerifyLinks(links []Link, head string) error {
	prev := ""
	for i, l := range links {
		if l.PreviousHash != prev {
			return fmt.Errorf("%w: invoice %q at position %d points at %q, want %q",
				ErrChainBroken, l.Invoice.Number, i, l.PreviousHash, prev)
		}
		got, err := ComputeHash(l.Invoice, l.Issuer, Party{}, l.PreviousHash)
		if err != nil {
			return fmt.Errorf("%w: invoice %q: %w", ErrChainBroken, l.Invoice.Number, err)
		}
		if got != l.Hash {
			return fmt.Errorf("%w: invoice %q hash mismatch", ErrChainBroken, l.Invoice.Number)
		}
		prev = l.Hash
	}
	if head != "" && head != prev {
		return fmt.Errorf("%w: head %q does not match last hash %q", ErrChainBroken, head, prev)
	}
	return nil
}
