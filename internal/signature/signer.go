// Package signature produces enveloped XML signatures over canonical invoice
// records: exclusive C14N, RSA-SHA256, the X.509 certificate in KeyInfo, and
// a XAdES QualifyingProperties object carrying the signing time.
package signature

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/russellhaering/goxmldsig/etreeutils"
	"go.uber.org/zap"
)

const (
	xadesNamespace       = "http://uri.etsi.org/01903/v1.3.2#"
	signedPropertiesType = "http://uri.etsi.org/01903#SignedProperties"
	sha256Digest         = "http://www.w3.org/2001/04/xmlenc#sha256"
)

// Signer signs documents. It holds no credential; callers pass the tenant's.
type Signer struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewSigner creates a signer using the wall clock.
func NewSigner(logger *zap.Logger) *Signer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Signer{logger: logger.With(zap.String("component", "signer")), now: time.Now}
}

// WithClock returns a copy of the signer reading time from now.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	cp := *s
	cp.now = now
	return &cp
}

// Sign returns document with an enveloped signature appended to its root.
// The signed content itself is left untouched.
func (s *Signer) Sign(document []byte, cred *Credential) ([]byte, error) {
	signingTime := s.now().UTC()
	if err := cred.Check(signingTime); err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(document); err != nil {
		return nil, signingErr(ClassMalformedDocument, "parse document: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, signingErr(ClassMalformedDocument, "document has no root element")
	}

	ctx := dsig.NewDefaultSigningContext(dsig.TLSCertKeyStore(cred.tlsCertificate()))
	ctx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	if err := ctx.SetSignatureMethod(dsig.RSASHA256SignatureMethod); err != nil {
		return nil, signingErr(ClassCryptoFailure, "signature method: %w", err)
	}

	sigEl, err := ctx.ConstructSignature(root, true)
	if err != nil {
		return nil, signingErr(ClassCryptoFailure, "sign: %w", err)
	}
	root.AddChild(sigEl)

	sigID := "Signature-" + root.SelectAttrValue(ctx.IdAttribute, "record")
	sigEl.CreateAttr("Id", sigID)
	props := appendQualifyingProperties(sigEl, sigID, cred.Certificate, signingTime)
	if err := coverSignedProperties(ctx, sigEl, props); err != nil {
		return nil, signingErr(ClassCryptoFailure, "sign qualifying properties: %w", err)
	}

	out := etree.NewDocument()
	out.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	out.SetRoot(root)
	b, err := out.WriteToBytes()
	if err != nil {
		return nil, signingErr(ClassCryptoFailure, "serialize: %w", err)
	}

	s.logger.Debug("document signed",
		zap.String("signature_id", sigID),
		zap.String("certificate_serial", cred.Certificate.SerialNumber.String()),
		zap.Time("signing_time", signingTime),
	)
	return b, nil
}

func appendQualifyingProperties(sigEl *etree.Element, sigID string, cert *x509.Certificate, signingTime time.Time) *etree.Element {
	obj := sigEl.CreateElement("ds:Object")
	qp := obj.CreateElement("xades:QualifyingProperties")
	qp.CreateAttr("xmlns:xades", xadesNamespace)
	qp.CreateAttr("Target", "#"+sigID)

	props := qp.CreateElement("xades:SignedProperties")
	props.CreateAttr("Id", sigID+"-SignedProperties")
	ssp := props.CreateElement("xades:SignedSignatureProperties")
	ssp.CreateElement("xades:SigningTime").SetText(signingTime.Format(time.RFC3339))

	certEl := ssp.CreateElement("xades:SigningCertificate").CreateElement("xades:Cert")
	digest := certEl.CreateElement("xades:CertDigest")
	digest.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", sha256Digest)
	sum := sha256.Sum256(cert.Raw)
	digest.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(sum[:]))

	serial := certEl.CreateElement("xades:IssuerSerial")
	serial.CreateElement("ds:X509IssuerName").SetText(cert.Issuer.String())
	serial.CreateElement("ds:X509SerialNumber").SetText(cert.SerialNumber.String())
	return props
}

// coverSignedProperties adds a SignedInfo reference to the XAdES signed
// properties and signs SignedInfo again, so the signing time and certificate
// digest are covered by the signature value.
func coverSignedProperties(ctx *dsig.SigningContext, sigEl, props *etree.Element) error {
	signedInfo := findChild(sigEl, dsig.SignedInfoTag)
	sigValue := findChild(sigEl, dsig.SignatureValueTag)
	if signedInfo == nil || sigValue == nil {
		return fmt.Errorf("incomplete signature element")
	}

	digest, err := canonicalDigest(props)
	if err != nil {
		return err
	}
	ref := signedInfo.CreateElement(ctx.Prefix + ":" + dsig.ReferenceTag)
	ref.CreateAttr("Type", signedPropertiesType)
	ref.CreateAttr(dsig.URIAttr, "#"+props.SelectAttrValue("Id", ""))
	ref.CreateElement(ctx.Prefix+":"+dsig.TransformsTag).
		CreateElement(ctx.Prefix+":"+dsig.TransformTag).
		CreateAttr(dsig.AlgorithmAttr, string(dsig.CanonicalXML10ExclusiveAlgorithmId))
	ref.CreateElement(ctx.Prefix+":"+dsig.DigestMethodTag).CreateAttr(dsig.AlgorithmAttr, sha256Digest)
	ref.CreateElement(ctx.Prefix + ":" + dsig.DigestValueTag).SetText(base64.StdEncoding.EncodeToString(digest))

	canonical, err := canonicalForm(signedInfo)
	if err != nil {
		return err
	}
	raw, err := ctx.SignString(string(canonical))
	if err != nil {
		return err
	}
	sigValue.SetText(base64.StdEncoding.EncodeToString(raw))
	return nil
}

// canonicalForm serializes a detached copy of el, carrying the namespaces in
// scope at its position, with exclusive C14N.
func canonicalForm(el *etree.Element) ([]byte, error) {
	nsCtx, err := etreeutils.NSBuildParentContext(el)
	if err != nil {
		return nil, err
	}
	detached, err := etreeutils.NSDetatch(nsCtx, el)
	if err != nil {
		return nil, err
	}
	return dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("").Canonicalize(detached)
}

func canonicalDigest(el *etree.Element) ([]byte, error) {
	canonical, err := canonicalForm(el)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

func findChild(el *etree.Element, tag string) *etree.Element {
	for _, c := range el.ChildElements() {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

func findDescendant(el *etree.Element, tag string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if c.Tag == tag {
			return c
		}
		if found := findDescendant(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// Verify checks an enveloped signature produced by Sign against cert.
func Verify(signed []byte, cert *x509.Certificate) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signed); err != nil {
		return fmt.Errorf("parse signed document: %w", err)
	}
	if doc.Root() == nil {
		return fmt.Errorf("signed document has no root element")
	}
	if err := verifySignedProperties(doc.Root()); err != nil {
		return err
	}
	ctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	})
	if _, err := ctx.Validate(doc.Root()); err != nil {
		return fmt.Errorf("validate signature: %w", err)
	}
	return nil
}

// verifySignedProperties checks that SignedInfo references the XAdES signed
// properties and that their digest still matches.
func verifySignedProperties(root *etree.Element) error {
	sigEl := findChild(root, dsig.SignatureTag)
	if sigEl == nil {
		return fmt.Errorf("signature element missing")
	}
	signedInfo := findChild(sigEl, dsig.SignedInfoTag)
	props := findDescendant(sigEl, "SignedProperties")
	if signedInfo == nil || props == nil {
		return fmt.Errorf("signed properties missing")
	}

	var ref *etree.Element
	for _, r := range signedInfo.SelectElements(dsig.ReferenceTag) {
		if r.SelectAttrValue("Type", "") == signedPropertiesType {
			ref = r
			break
		}
	}
	if ref == nil {
		return fmt.Errorf("signed properties not referenced from SignedInfo")
	}
	if ref.SelectAttrValue(dsig.URIAttr, "") != "#"+props.SelectAttrValue("Id", "") {
		return fmt.Errorf("signed properties reference points elsewhere")
	}
	digestEl := ref.SelectElement(dsig.DigestValueTag)
	if digestEl == nil {
		return fmt.Errorf("signed properties reference has no digest")
	}
	digest, err := canonicalDigest(props)
	if err != nil {
		return fmt.Errorf("digest signed properties: %w", err)
	}
	if base64.StdEncoding.EncodeToString(digest) != strings.TrimSpace(digestEl.Text()) {
		return fmt.Errorf("signed properties digest mismatch")
	}
	return nil
}

// SigningTime extracts the XAdES signing time from a signed document.
func SigningTime(signed []byte) (time.Time, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signed); err != nil {
		return time.Time{}, fmt.Errorf("parse signed document: %w", err)
	}
	el := findDescendant(doc.Root(), "SigningTime")
	if el == nil {
		return time.Time{}, fmt.Errorf("no signing time")
	}
	return time.Parse(time.RFC3339, el.Text())
}
