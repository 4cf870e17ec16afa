package chain

import (
	"errors"
	"fmt"

	"github.com/diewo77/invoicechain/validation"
)

var (
	// ErrInvalidInvoiceData is matched by every *InvalidInvoiceDataError.
	ErrInvalidInvoiceData = errors.New("invalid invoice data")
	ErrChainBroken        = errors.New("chain broken")
)

// InvalidInvoiceDataError lists the fields that prevented building a canonical record.
type InvalidInvoiceDataError struct {
	Violations validation.Violations
}

func (e *InvalidInvoiceDataError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidInvoiceData, e.Violations.Error())
}

func (e *InvalidInvoiceDataError) Unwrap() error {
	return ErrInvalidInvoiceData
}
