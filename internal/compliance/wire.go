package compliance

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
)

// Transport selects the wire format spoken to the authority.
type Transport string

const (
	TransportREST Transport = "rest"
	TransportSOAP Transport = "soap"
)

const (
	soapEnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	soapAction     = "SubmitInvoice"
)

// Response is the authority's answer, independent of the transport.
type Response struct {
	Status    string `json:"status" xml:"Status"`
	Code      string `json:"code" xml:"Code"`
	Message   string `json:"message" xml:"Message"`
	ReceiptID string `json:"receiptId" xml:"ReceiptID"`
	QR        string `json:"qr" xml:"QR"`
}

const (
	statusAccepted = "accepted"
	statusRejected = "rejected"
	statusError    = "error"
)

type restRequest struct {
	Format   string `json:"format"`
	Document string `json:"document"`
}

type soapRequest struct {
	XMLName xml.Name `xml:"soapenv:Envelope"`
	NS      string   `xml:"xmlns:soapenv,attr"`
	Body    struct {
		Submit struct {
			Document string `xml:"Document"`
		} `xml:"SubmitInvoice"`
	} `xml:"soapenv:Body"`
}

type soapResponse struct {
	Body struct {
		Fault *struct {
			Code   string `xml:"faultcode"`
			String string `xml:"faultstring"`
		} `xml:"Fault"`
		Result *Response `xml:"SubmitInvoiceResponse"`
	} `xml:"Body"`
}

func encodeRequest(t Transport, signed []byte) (body []byte, contentType string, err error) {
	doc := base64.StdEncoding.EncodeToString(signed)
	switch t {
	case TransportSOAP:
		var env soapRequest
		env.NS = soapEnvelopeNS
		env.Body.Submit.Document = doc
		b, err := xml.Marshal(env)
		if err != nil {
			return nil, "", fmt.Errorf("marshal soap envelope: %w", err)
		}
		return append([]byte(xml.Header), b...), "text/xml; charset=utf-8", nil
	default:
		b, err := json.Marshal(restRequest{Format: "xades", Document: doc})
		if err != nil {
			return nil, "", fmt.Errorf("marshal request: %w", err)
		}
		return b, "application/json", nil
	}
}

func decodeResponse(t Transport, body []byte) (Response, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Response{}, fmt.Errorf("empty response body")
	}
	var r Response
	switch t {
	case TransportSOAP:
		var env soapResponse
		if err := xml.Unmarshal(body, &env); err != nil {
			return Response{}, fmt.Errorf("decode soap response: %w", err)
		}
		if f := env.Body.Fault; f != nil {
			return Response{Status: statusError, Code: f.Code, Message: f.String}, nil
		}
		if env.Body.Result == nil {
			return Response{}, fmt.Errorf("soap response has no result")
		}
		r = *env.Body.Result
	default:
		if err := json.Unmarshal(body, &r); err != nil {
			return Response{}, fmt.Errorf("decode response: %w", err)
		}
	}
	r.Status = strings.ToLower(strings.TrimSpace(r.Status))
	return r, nil
}
