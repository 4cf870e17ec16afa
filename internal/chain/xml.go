package chain

import (
	"encoding/xml"
	"fmt"
)

// RecordNamespace is the XML namespace of the record document.
const RecordNamespace = "urn:invoicechain:record:1.0"

type recordXML struct {
	XMLName     xml.Name       `xml:"urn:invoicechain:record:1.0 InvoiceRecord"`
	ID          string         `xml:"ID,attr"`
	Version     string         `xml:"Version,attr"`
	Issuer      partyXML       `xml:"Issuer"`
	Recipient   *partyXML      `xml:"Recipient,omitempty"`
	Number      string         `xml:"InvoiceNumber"`
	IssueDate   string         `xml:"IssueDate"`
	TaxBase     string         `xml:"TaxBase"`
	TaxAmount   string         `xml:"TaxAmount"`
	TotalAmount string         `xml:"TotalAmount"`
	Chaining    chainingXML    `xml:"Chaining"`
	Fingerprint fingerprintXML `xml:"Fingerprint"`
}

type partyXML struct {
	TaxID   string `xml:"TaxID"`
	Name    string `xml:"Name,omitempty"`
	Country string `xml:"Country,omitempty"`
}

type chainingXML struct {
	FirstRecord         string `xml:"FirstRecord,omitempty"`
	PreviousFingerprint string `xml:"PreviousFingerprint,omitempty"`
}

type fingerprintXML struct {
	Algorithm string `xml:"Algorithm,attr"`
	Value     string `xml:",chardata"`
}

// RecordElementID is the ID attribute of the record root, referenced by the signature.
func RecordElementID(rec Record) string {
	if len(rec.Hash) < 16 {
		return "rec-" + rec.Hash
	}
	return "rec-" + rec.Hash[:16]
}

// BuildXML renders the record as the XML document handed to the signer.
func BuildXML(rec Record) ([]byte, error) {
	if rec.Hash == "" {
		return nil, fmt.Errorf("%w: record has no hash", ErrInvalidInvoiceData)
	}
	doc := recordXML{
		ID:      RecordElementID(rec),
		Version: "1.0",
		Issuer: partyXML{
			TaxID:   rec.Issuer.TaxID,
			Name:    rec.Issuer.Name,
			Country: rec.Issuer.Country,
		},
		Number:      rec.Number,
		IssueDate:   rec.IssueDate.UTC().Format(dateLayout),
		TaxBase:     rec.Totals.Base.StringFixed(2),
		TaxAmount:   rec.Totals.VAT.StringFixed(2),
		TotalAmount: rec.Totals.Total.StringFixed(2),
		Fingerprint: fingerprintXML{Algorithm: "SHA-256", Value: rec.Hash},
	}
	if rec.Recipient.TaxID != "" || rec.Recipient.Name != "" {
		doc.Recipient = &partyXML{
			TaxID:   rec.Recipient.TaxID,
			Name:    rec.Recipient.Name,
			Country: rec.Recipient.Country,
		}
	}
	if rec.IsGenesis() {
		doc.Chaining.FirstRecord = "Y"
	} else {
		doc.Chaining.PreviousFingerprint = rec.PreviousHash
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
