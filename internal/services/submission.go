package services

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/diewo77/invoicechain/internal/chain"
	"github.com/diewo77/invoicechain/internal/compliance"
	"github.com/diewo77/invoicechain/internal/events"
	"github.com/diewo77/invoicechain/internal/logging"
	"github.com/diewo77/invoicechain/internal/metrics"
	"github.com/diewo77/invoicechain/internal/models"
	"github.com/diewo77/invoicechain/internal/signature"
	"github.com/diewo77/invoicechain/internal/store"
	"github.com/diewo77/invoicechain/internal/tenantlock"
	"go.uber.org/zap"
)

var (
	ErrAlreadyAccepted         = errors.New("invoice already accepted")
	ErrRejectedNeedsCorrection = errors.New("invoice rejected, correct it before resubmitting")
	ErrSubmissionInProgress    = errors.New("submission already in progress")
	ErrNotSubmittable          = errors.New("invoice cannot be submitted")
	ErrFingerprintMismatch     = errors.New("notice fingerprint does not match invoice")
	ErrWebhookConflict         = errors.New("notice contradicts recorded outcome")
)

const maxErrorLen = 2000

// Repository is the persistence the submission pipeline needs.
type Repository interface {
	GetInvoice(ctx context.Context, tenantID, invoiceID uint) (*models.Invoice, error)
	FindInvoiceByNumber(ctx context.Context, issuerTaxID, number string) (*models.Invoice, error)
	GetCompany(ctx context.Context, tenantID uint) (*models.Company, error)
	GetClient(ctx context.Context, tenantID, clientID uint) (*models.Client, error)
	SaveInvoice(ctx context.Context, inv *models.Invoice) error
	CommitAccepted(ctx context.Context, inv *models.Invoice, acc store.Acceptance) error
	AcceptedChain(ctx context.Context, tenantID uint) ([]models.Invoice, error)
}

type Signer interface {
	Sign(document []byte, cred *signature.Credential) ([]byte, error)
}

type Submitter interface {
	Submit(ctx context.Context, signed []byte, mode compliance.Mode) (compliance.Result, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev events.Event) string
}

// CredentialProvider returns the signing credential of a tenant.
type CredentialProvider interface {
	Credential(ctx context.Context, tenantID uint) (*signature.Credential, error)
}

// StaticCredentials serves one credential to every tenant.
type StaticCredentials struct {
	Cred *signature.Credential
}

func (s StaticCredentials) Credential(context.Context, uint) (*signature.Credential, error) {
	if s.Cred == nil {
		return nil, &signature.SigningError{
			Class: signature.ClassMalformedCredential,
			Err:   errors.New("no signing credential configured"),
		}
	}
	return s.Cred, nil
}

// SubmissionConfig holds the tunables of the orchestrator.
type SubmissionConfig struct {
	Mode      compliance.Mode
	Timeout   time.Duration
	QRBaseURL string
}

// Deps wires the collaborators of a SubmissionService. Publisher, Logger and
// Metrics are optional.
type Deps struct {
	Repo        Repository
	Locker      tenantlock.Locker
	Signer      Signer
	Credentials CredentialProvider
	Submitter   Submitter
	Publisher   Publisher
	Logger      *zap.Logger
	Metrics     *metrics.Collector
}

// Outcome reports where one submission attempt left the invoice.
type Outcome struct {
	Invoice   *models.Invoice
	Status    models.SubmissionStatus
	ChainHash string
	ReceiptID string
	Result    compliance.Result
}

// SubmissionService drives an invoice through hashing, signing and
// submission while holding its tenant's chain lock.
type SubmissionService struct {
	repo      Repository
	locker    tenantlock.Locker
	signer    Signer
	creds     CredentialProvider
	submitter Submitter
	publisher Publisher
	logger    *zap.Logger
	metrics   *metrics.Collector
	cfg       SubmissionConfig
	now       func() time.Time
}

func NewSubmissionService(d Deps, cfg SubmissionConfig) *SubmissionService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = compliance.ModeSandbox
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubmissionService{
		repo:      d.Repo,
		locker:    d.Locker,
		signer:    d.Signer,
		creds:     d.Credentials,
		submitter: d.Submitter,
		publisher: d.Publisher,
		logger:    logger.With(zap.String("component", "submission")),
		metrics:   d.Metrics,
		cfg:       cfg,
		now:       time.Now,
	}
}

func checkSubmittable(inv *models.Invoice) error {
	switch {
	case inv.SubmissionStatus == models.SubmissionAccepted || inv.IsChained():
		return ErrAlreadyAccepted
	case inv.SubmissionStatus == models.SubmissionRejected:
		return ErrRejectedNeedsCorrection
	case inv.SubmissionStatus == models.SubmissionProcessing:
		return ErrSubmissionInProgress
	case !inv.CanSubmit():
		return fmt.Errorf("%w: status %s", ErrNotSubmittable, inv.SubmissionStatus)
	}
	return nil
}

// attempt accumulates the events of one locked section. They are published
// once the lock is released.
type attempt struct {
	inv         *models.Invoice
	clientEmail string
	events      []events.Event
}

func (a *attempt) emit() {
	a.events = append(a.events, events.FromInvoice(a.inv, a.clientEmail))
}

// SubmitInvoice hashes, signs and submits one invoice of tenantID. A non-nil
// Outcome is returned whenever the attempt reached the invoice, together
// with the typed error of a failed attempt.
func (s *SubmissionService) SubmitInvoice(ctx context.Context, tenantID, invoiceID uint) (*Outcome, error) {
	start := s.now()
	log := s.logger.With(logging.Tenant(tenantID), logging.Invoice(invoiceID))

	inv, err := s.repo.GetInvoice(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	if err := checkSubmittable(inv); err != nil {
		return nil, err
	}

	a, out, err := s.lockedSubmit(ctx, tenantID, invoiceID, log)
	if a != nil {
		s.publish(ctx, a)
		s.metrics.ObserveSubmission(string(a.inv.SubmissionStatus), s.now().Sub(start))
	}
	return out, err
}

func (s *SubmissionService) lockedSubmit(ctx context.Context, tenantID, invoiceID uint, log *zap.Logger) (*attempt, *Outcome, error) {
	release, err := s.locker.Lock(ctx, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock tenant %d: %w", tenantID, err)
	}
	defer release()

	// Re-read under the lock: a concurrent submitter may have finished first.
	inv, err := s.repo.GetInvoice(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	if err := checkSubmittable(inv); err != nil {
		return nil, nil, err
	}

	company, err := s.repo.GetCompany(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	client, err := s.repo.GetClient(ctx, tenantID, inv.ClientID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}
	a := &attempt{inv: inv}
	if client != nil {
		a.clientEmail = client.Email
	}

	if inv.SubmissionStatus != models.SubmissionPending {
		if err := s.transition(ctx, a, models.SubmissionPending); err != nil {
			return a, nil, err
		}
	}
	if err := s.transition(ctx, a, models.SubmissionProcessing); err != nil {
		return a, nil, err
	}

	out, err := s.process(ctx, a, company, client, log)
	return a, out, err
}

func (s *SubmissionService) transition(ctx context.Context, a *attempt, status models.SubmissionStatus) error {
	a.inv.SubmissionStatus = status
	if err := s.repo.SaveInvoice(ctx, a.inv); err != nil {
		return err
	}
	a.emit()
	return nil
}

// process runs with the tenant lock held and the invoice in PROCESSING.
func (s *SubmissionService) process(ctx context.Context, a *attempt, company *models.Company, client *models.Client, log *zap.Logger) (*Outcome, error) {
	inv := a.inv
	head := company.LastHash

	cinv, issuer, recipient := chain.FromModels(inv, company, client)
	rec, err := chain.Build(cinv, issuer, recipient, head)
	if err != nil {
		log.Warn("invoice data invalid", zap.Error(err))
		return s.fail(ctx, a, models.SubmissionFailed, models.ErrorClassData, err, false)
	}
	inv.TotalHT, inv.TotalVAT, inv.TotalTTC = rec.Totals.Base, rec.Totals.VAT, rec.Totals.Total

	doc, err := chain.BuildXML(rec)
	if err != nil {
		return s.fail(ctx, a, models.SubmissionFailed, models.ErrorClassData, err, false)
	}
	cred, err := s.creds.Credential(ctx, inv.CompanyID)
	if err != nil {
		log.Error("signing credential unavailable", zap.Error(err))
		return s.fail(ctx, a, models.SubmissionFailed, models.ErrorClassSigning, err, false)
	}
	signed, err := s.signer.Sign(doc, cred)
	if err != nil {
		log.Error("signing failed", zap.Error(err))
		return s.fail(ctx, a, models.SubmissionFailed, models.ErrorClassSigning, err, false)
	}

	// The authority call and what follows must complete even if the caller goes away.
	detached := context.WithoutCancel(ctx)
	subCtx, cancel := context.WithTimeout(detached, s.cfg.Timeout)
	res, subErr := s.submitter.Submit(subCtx, signed, s.cfg.Mode)
	cancel()

	switch {
	case res.Kind == compliance.KindOK && subErr == nil:
		return s.accept(detached, a, rec, res, log)
	case res.Kind == compliance.KindPermanent:
		log.Info("submission rejected", zap.String("code", res.Code), zap.String("message", res.Message))
		out, _ := s.fail(detached, a, models.SubmissionRejected, models.ErrorClassRejected, subErr, false)
		out.Result = res
		return out, subErr
	case res.Kind == compliance.KindData:
		log.Warn("submission refused as malformed", zap.Error(subErr))
		out, _ := s.fail(detached, a, models.SubmissionFailed, models.ErrorClassData, subErr, false)
		out.Result = res
		return out, subErr
	}

	// Anything else, an unclassified answer included, is retried.
	switch {
	case subErr == nil:
		subErr = fmt.Errorf("%w: %s", compliance.ErrTransient, res.Message)
	case !errors.Is(subErr, compliance.ErrTransient):
		subErr = &compliance.TransientSubmissionError{
			StatusCode: res.StatusCode,
			Timeout:    errors.Is(subErr, context.DeadlineExceeded),
			Err:        subErr,
		}
	}
	status := models.SubmissionFailed
	var te *compliance.TransientSubmissionError
	if errors.As(subErr, &te) && te.Timeout {
		status = models.SubmissionTimeout
	}
	log.Warn("submission failed, will retry", zap.String("status", string(status)), zap.Error(subErr))
	out, _ := s.fail(detached, a, status, models.ErrorClassTransient, subErr, true)
	out.Result = res
	return out, subErr
}

func (s *SubmissionService) accept(ctx context.Context, a *attempt, rec chain.Record, res compliance.Result, log *zap.Logger) (*Outcome, error) {
	inv := a.inv
	qr := res.QR
	if qr == "" && s.cfg.QRBaseURL != "" {
		var err error
		qr, err = compliance.QRPayload(s.cfg.QRBaseURL, rec.Issuer.TaxID, rec.Number, rec.IssueDate, rec.Totals.Total)
		if err != nil {
			log.Warn("qr payload not built", zap.Error(err))
		}
	}
	err := s.repo.CommitAccepted(ctx, inv, store.Acceptance{
		ChainHash:    rec.Hash,
		PreviousHash: rec.PreviousHash,
		ReceiptID:    res.ReceiptID,
		QRPayload:    qr,
		TotalHT:      rec.Totals.Base,
		TotalVAT:     rec.Totals.VAT,
		TotalTTC:     rec.Totals.Total,
	})
	if errors.Is(err, store.ErrChainHeadMoved) {
		log.Error("chain head moved while lock was held", zap.String("receipt_id", res.ReceiptID), zap.Error(err))
		out, _ := s.fail(ctx, a, models.SubmissionFailed, models.ErrorClassTransient, err, true)
		out.Result = res
		return out, err
	}
	if err != nil {
		return nil, fmt.Errorf("commit accepted invoice %d: %w", inv.ID, err)
	}
	a.emit()
	log.Info("invoice accepted",
		zap.String("chain_hash", rec.Hash),
		zap.Bool("genesis", rec.IsGenesis()),
		zap.String("receipt_id", res.ReceiptID))
	return &Outcome{Invoice: inv, Status: inv.SubmissionStatus, ChainHash: inv.ChainHash, ReceiptID: inv.ReceiptID, Result: res}, nil
}

// fail records an unsuccessful attempt. countAttempt increments retry_count
// for failures the scheduler will retry.
func (s *SubmissionService) fail(ctx context.Context, a *attempt, status models.SubmissionStatus, class models.ErrorClass, cause error, countAttempt bool) (*Outcome, error) {
	inv := a.inv
	inv.SubmissionStatus = status
	inv.ErrorClass = class
	inv.LastError = truncate(cause.Error(), maxErrorLen)
	if countAttempt {
		inv.RetryCount++
	}
	out := &Outcome{Invoice: inv, Status: status}
	if err := s.repo.SaveInvoice(ctx, inv); err != nil {
		s.logger.Error("failed to record submission failure", logging.Invoice(inv.ID), zap.Error(err))
		return out, err
	}
	a.emit()
	return out, cause
}

func (s *SubmissionService) publish(ctx context.Context, a *attempt) {
	if s.publisher == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, ev := range a.events {
		s.publisher.Publish(ctx, ev)
	}
}

// ProcessWebhook applies an asynchronous authority verdict. Notices for
// invoices already in the notified state are ignored.
func (s *SubmissionService) ProcessWebhook(ctx context.Context, n compliance.WebhookNotice) (*models.Invoice, error) {
	found, err := s.repo.FindInvoiceByNumber(ctx, n.IssuerTaxID, n.InvoiceNumber)
	if err != nil {
		return nil, err
	}
	tenantID := found.CompanyID
	log := s.logger.With(logging.Tenant(tenantID), logging.Invoice(found.ID), zap.String("notice", n.Status))

	release, err := s.locker.Lock(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("lock tenant %d: %w", tenantID, err)
	}
	a, err := s.applyNotice(ctx, found.ID, tenantID, n, log)
	release()
	if a != nil {
		s.publish(ctx, a)
	}
	if err != nil {
		return nil, err
	}
	if a == nil {
		return found, nil
	}
	return a.inv, nil
}

// awaitingNotice reports whether an outcome notice may settle an invoice in
// status; only invoices handed to the authority without a final answer qualify.
func awaitingNotice(status models.SubmissionStatus) bool {
	switch status {
	case models.SubmissionPending, models.SubmissionProcessing, models.SubmissionTimeout:
		return true
	}
	return false
}

func (s *SubmissionService) applyNotice(ctx context.Context, invoiceID, tenantID uint, n compliance.WebhookNotice, log *zap.Logger) (*attempt, error) {
	inv, err := s.repo.GetInvoice(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	switch {
	case n.Accepted() && inv.IsChained():
		if n.Fingerprint != "" && n.Fingerprint != inv.ChainHash {
			return nil, ErrFingerprintMismatch
		}
		log.Debug("duplicate acceptance notice ignored")
		return nil, nil
	case n.Rejected() && inv.SubmissionStatus == models.SubmissionRejected:
		log.Debug("duplicate rejection notice ignored")
		return nil, nil
	case inv.IsChained(), !awaitingNotice(inv.SubmissionStatus):
		return nil, fmt.Errorf("%w: invoice is %s", ErrWebhookConflict, inv.SubmissionStatus)
	}

	company, err := s.repo.GetCompany(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	client, err := s.repo.GetClient(ctx, tenantID, inv.ClientID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	a := &attempt{inv: inv}
	if client != nil {
		a.clientEmail = client.Email
	}

	if n.Rejected() {
		cause := &compliance.PermanentRejection{Code: n.Code, Message: n.Message}
		if _, err := s.fail(ctx, a, models.SubmissionRejected, models.ErrorClassRejected, cause, false); !errors.Is(err, cause) {
			return a, err
		}
		log.Info("invoice rejected by notice", zap.String("code", n.Code))
		return a, nil
	}

	cinv, issuer, recipient := chain.FromModels(inv, company, client)
	rec, err := chain.Build(cinv, issuer, recipient, company.LastHash)
	if err != nil {
		return nil, err
	}
	if n.Fingerprint != "" && n.Fingerprint != rec.Hash {
		return nil, ErrFingerprintMismatch
	}
	_, err = s.accept(ctx, a, rec, compliance.Result{Kind: compliance.KindOK, ReceiptID: n.ReceiptID, QR: n.QR}, log)
	return a, err
}

// VerifyChain walks a tenant's accepted invoices from genesis and checks
// every link and hash. It returns the chain length.
func (s *SubmissionService) VerifyChain(ctx context.Context, tenantID uint) (int, error) {
	company, err := s.repo.GetCompany(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	invoices, err := s.repo.AcceptedChain(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	byPrevious := make(map[string]*models.Invoice, len(invoices))
	for i := range invoices {
		inv := &invoices[i]
		if other, dup := byPrevious[inv.PreviousChainHash]; dup {
			return 0, fmt.Errorf("%w: invoices %q and %q share predecessor %q",
				chain.ErrChainBroken, other.Number, inv.Number, inv.PreviousChainHash)
		}
		byPrevious[inv.PreviousChainHash] = inv
	}

	links := make([]chain.Link, 0, len(invoices))
	prev := ""
	for len(links) < len(invoices) {
		inv, ok := byPrevious[prev]
		if !ok {
			return len(links), fmt.Errorf("%w: no invoice follows %q", chain.ErrChainBroken, prev)
		}
		cinv, issuer, _ := chain.FromModels(inv, company, nil)
		links = append(links, chain.Link{Invoice: cinv, Issuer: issuer, PreviousHash: inv.PreviousChainHash, Hash: inv.ChainHash})
		prev = inv.ChainHash
	}
	if err := chain.VerifyLinks(links, company.LastHash); err != nil {
		return len(links), err
	}
	return len(links), nil
}

// Invoice returns one invoice of tenantID with its lines.
func (s *SubmissionService) Invoice(ctx context.Context, tenantID, invoiceID uint) (*models.Invoice, error) {
	return s.repo.GetInvoice(ctx, tenantID, invoiceID)
}

// RetryInvoice is the operator-triggered retry. An invoice the scheduler gave
// up on gets its attempt budget back before being submitted again.
func (s *SubmissionService) RetryInvoice(ctx context.Context, tenantID, invoiceID uint) (*Outcome, error) {
	inv, err := s.repo.GetInvoice(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.ErrorClass == models.ErrorClassExhausted {
		if err := s.resetAttempts(ctx, tenantID, invoiceID); err != nil {
			return nil, err
		}
	}
	return s.SubmitInvoice(ctx, tenantID, invoiceID)
}

func (s *SubmissionService) resetAttempts(ctx context.Context, tenantID, invoiceID uint) error {
	release, err := s.locker.Lock(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("lock tenant %d: %w", tenantID, err)
	}
	defer release()

	inv, err := s.repo.GetInvoice(ctx, tenantID, invoiceID)
	if err != nil {
		return err
	}
	if inv.ErrorClass != models.ErrorClassExhausted {
		return nil
	}
	inv.RetryCount = 0
	inv.ErrorClass = models.ErrorClassTransient
	if err := s.repo.SaveInvoice(ctx, inv); err != nil {
		return err
	}
	s.logger.Info("attempt budget reset by operator", logging.Tenant(tenantID), logging.Invoice(invoiceID))
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
