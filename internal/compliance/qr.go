package compliance

import (
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// QRPayload builds the public verification URL printed as a QR code on the invoice.
func QRPayload(baseURL, issuerTaxID, number string, issueDate time.Time, total decimal.Decimal) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse qr base url: %w", err)
	}
	q := u.Query()
	q.Set("issuer", issuerTaxID)
	q.Set("number", number)
	q.Set("date", issueDate.Format("02-01-2006"))
	q.Set("total", total.StringFixed(2))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
