package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/diewo77/invoicechain/internal/config"
	"github.com/diewo77/invoicechain/internal/db"
	"github.com/diewo77/invoicechain/internal/models"
	"github.com/shopspring/decimal"
)

type fixture struct {
	store   *Store
	company *models.Company
	client  *models.Client
}

func setup(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	company := &models.Company{Name: "Acme", TaxID: "B12345678"}
	if err := conn.Create(company).Error; err != nil {
		t.Fatalf("create company: %v", err)
	}
	client := &models.Client{CompanyID: company.ID, Name: "Client"}
	if err := conn.Create(client).Error; err != nil {
		t.Fatalf("create client: %v", err)
	}
	return &fixture{store: New(conn), company: company, client: client}
}

func (f *fixture) invoice(t *testing.T, number string) *models.Invoice {
	t.Helper()
	inv := &models.Invoice{
		CompanyID: f.company.ID,
		ClientID:  f.client.ID,
		Number:    number,
		IssueDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Items: []models.InvoiceItem{
			{Description: "B", Units: decimal.NewFromInt(1), Price: decimal.NewFromInt(5), Position: 2},
			{Description: "A", Units: decimal.NewFromInt(2), Price: decimal.NewFromInt(10), Position: 1},
		},
	}
	if err := f.store.DB().Create(inv).Error; err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return inv
}

func TestGetInvoice(t *testing.T) {
	f := setup(t)
	created := f.invoice(t, "F-1")
	ctx := context.Background()

	inv, err := f.store.GetInvoice(ctx, f.company.ID, created.ID)
	if err != nil {
		t.Fatalf("GetInvoice() error = %v", err)
	}
	if inv.SubmissionStatus != models.SubmissionNotSent {
		t.Errorf("status = %s, want NOT_SENT", inv.SubmissionStatus)
	}
	if len(inv.Items) != 2 || inv.Items[0].Description != "A" {
		t.Errorf("items not loaded in position order: %+v", inv.Items)
	}

	if _, err := f.store.GetInvoice(ctx, f.company.ID+1, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetInvoice() other tenant error = %v, want ErrNotFound", err)
	}
}

func TestFindInvoiceByNumber(t *testing.T) {
	f := setup(t)
	created := f.invoice(t, "F-7")

	inv, err := f.store.FindInvoiceByNumber(context.Background(), "B12345678", "F-7")
	if err != nil {
		t.Fatalf("FindInvoiceByNumber() error = %v", err)
	}
	if inv.ID != created.ID {
		t.Errorf("found invoice %d, want %d", inv.ID, created.ID)
	}
	if _, err := f.store.FindInvoiceByNumber(context.Background(), "X0000000", "F-7"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown issuer error = %v, want ErrNotFound", err)
	}
}

func TestCommitAccepted_AdvancesHead(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	first := f.invoice(t, "F-1")
	second := f.invoice(t, "F-2")

	if err := f.store.CommitAccepted(ctx, first, Acceptance{ChainHash: "h1", ReceiptID: "r1"}); err != nil {
		t.Fatalf("CommitAccepted(first) error = %v", err)
	}
	if first.SubmissionStatus != models.SubmissionAccepted || first.SubmittedAt == nil {
		t.Errorf("in-memory invoice not updated: %+v", first)
	}
	head, _ := f.store.ChainHead(ctx, f.company.ID)
	if head != "h1" {
		t.Fatalf("head = %q, want h1", head)
	}

	if err := f.store.CommitAccepted(ctx, second, Acceptance{ChainHash: "h2", PreviousHash: "h1"}); err != nil {
		t.Fatalf("CommitAccepted(second) error = %v", err)
	}
	got, _ := f.store.GetInvoice(ctx, f.company.ID, second.ID)
	if got.PreviousChainHash != "h1" || got.ChainHash != "h2" {
		t.Errorf("second link = %q -> %q, want h1 -> h2", got.PreviousChainHash, got.ChainHash)
	}

	chain, err := f.store.AcceptedChain(ctx, f.company.ID)
	if err != nil {
		t.Fatalf("AcceptedChain() error = %v", err)
	}
	if len(chain) != 2 {
		t.Errorf("AcceptedChain() len = %d, want 2", len(chain))
	}
}

func TestCommitAccepted_HeadMoved(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	inv := f.invoice(t, "F-1")

	err := f.store.CommitAccepted(ctx, inv, Acceptance{ChainHash: "h1", PreviousHash: "stale"})
	if !errors.Is(err, ErrChainHeadMoved) {
		t.Fatalf("CommitAccepted() error = %v, want ErrChainHeadMoved", err)
	}
	got, _ := f.store.GetInvoice(ctx, f.company.ID, inv.ID)
	if got.IsChained() {
		t.Error("invoice chained despite moved head")
	}
	if head, _ := f.store.ChainHead(ctx, f.company.ID); head != "" {
		t.Errorf("head = %q, want empty", head)
	}
}

func TestCommitAccepted_AlreadyChained(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	inv := f.invoice(t, "F-1")
	if err := f.store.CommitAccepted(ctx, inv, Acceptance{ChainHash: "h1"}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	again := &models.Invoice{ID: inv.ID, CompanyID: inv.CompanyID}
	err := f.store.CommitAccepted(ctx, again, Acceptance{ChainHash: "h2", PreviousHash: "h1"})
	if !errors.Is(err, ErrAlreadyChained) {
		t.Fatalf("second commit error = %v, want ErrAlreadyChained", err)
	}
	if head, _ := f.store.ChainHead(ctx, f.company.ID); head != "h1" {
		t.Errorf("head = %q, want h1 after rollback", head)
	}
}

func TestSaveInvoice_RefusesChained(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	inv := f.invoice(t, "F-1")

	inv.SubmissionStatus = models.SubmissionFailed
	inv.ErrorClass = models.ErrorClassTransient
	inv.RetryCount = 1
	if err := f.store.SaveInvoice(ctx, inv); err != nil {
		t.Fatalf("SaveInvoice() error = %v", err)
	}
	got, _ := f.store.GetInvoice(ctx, f.company.ID, inv.ID)
	if got.SubmissionStatus != models.SubmissionFailed || got.RetryCount != 1 {
		t.Errorf("saved state = %s/%d", got.SubmissionStatus, got.RetryCount)
	}

	if err := f.store.CommitAccepted(ctx, inv, Acceptance{ChainHash: "h1"}); err != nil {
		t.Fatalf("CommitAccepted() error = %v", err)
	}
	inv.SubmissionStatus = models.SubmissionFailed
	if err := f.store.SaveInvoice(ctx, inv); !errors.Is(err, ErrAlreadyChained) {
		t.Errorf("SaveInvoice() on chained error = %v, want ErrAlreadyChained", err)
	}
}

func TestTransitionInvoice(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	created := f.invoice(t, "F-1")

	snapshot, err := f.store.GetInvoice(ctx, f.company.ID, created.ID)
	if err != nil {
		t.Fatalf("GetInvoice() error = %v", err)
	}
	next := *snapshot
	next.SubmissionStatus = models.SubmissionPending
	if err := f.store.TransitionInvoice(ctx, *snapshot, &next); err != nil {
		t.Fatalf("TransitionInvoice() error = %v", err)
	}

	again := *snapshot
	again.SubmissionStatus = models.SubmissionFailed
	if err := f.store.TransitionInvoice(ctx, *snapshot, &again); !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("TransitionInvoice() from outdated snapshot error = %v, want ErrStaleSnapshot", err)
	}

	got, err := f.store.GetInvoice(ctx, f.company.ID, created.ID)
	if err != nil {
		t.Fatalf("GetInvoice() error = %v", err)
	}
	if got.SubmissionStatus != models.SubmissionPending {
		t.Errorf("status = %s, want PENDING", got.SubmissionStatus)
	}
}

func TestStaleInvoices(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	stale := f.invoice(t, "F-1")
	dataErr := f.invoice(t, "F-2")
	fresh := f.invoice(t, "F-3")

	old := f.store.WithClock(func() time.Time { return past })
	stale.SubmissionStatus, stale.ErrorClass = models.SubmissionTimeout, models.ErrorClassTransient
	dataErr.SubmissionStatus, dataErr.ErrorClass = models.SubmissionFailed, models.ErrorClassData
	for _, inv := range []*models.Invoice{stale, dataErr} {
		if err := old.SaveInvoice(ctx, inv); err != nil {
			t.Fatalf("SaveInvoice() error = %v", err)
		}
	}
	fresh.SubmissionStatus = models.SubmissionPending
	if err := f.store.SaveInvoice(ctx, fresh); err != nil {
		t.Fatalf("SaveInvoice() error = %v", err)
	}

	statuses := []models.SubmissionStatus{
		models.SubmissionPending, models.SubmissionProcessing,
		models.SubmissionFailed, models.SubmissionTimeout,
	}
	got, err := f.store.StaleInvoices(ctx, statuses, time.Now().Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("StaleInvoices() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != stale.ID {
		t.Errorf("StaleInvoices() = %+v, want only %d", got, stale.ID)
	}
}

func TestTenantStats(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.invoice(t, "F-1")
	f.invoice(t, "F-2")
	if err := f.store.CommitAccepted(ctx, a, Acceptance{ChainHash: "h1"}); err != nil {
		t.Fatalf("CommitAccepted() error = %v", err)
	}

	stats, err := f.store.TenantStats(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("TenantStats() error = %v", err)
	}
	counts := map[models.SubmissionStatus]int64{}
	for _, s := range stats {
		if s.CompanyID != f.company.ID {
			t.Errorf("unexpected tenant %d", s.CompanyID)
		}
		counts[s.SubmissionStatus] = s.Count
	}
	if counts[models.SubmissionAccepted] != 1 || counts[models.SubmissionNotSent] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestAuditTrail(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rows := []models.AuditLog{
		{RecordID: "1-0", EventType: "invoice.submission_pending", TenantID: f.company.ID, InvoiceID: 1},
		{RecordID: "2-0", EventType: "invoice.submission_accepted", TenantID: f.company.ID, InvoiceID: 1},
		{RecordID: "3-0", EventType: "invoice.submission_pending", TenantID: f.company.ID, InvoiceID: 2},
		{RecordID: "4-0", EventType: "invoice.submission_pending", TenantID: f.company.ID + 1, InvoiceID: 3},
	}
	if err := f.store.DB().Create(&rows).Error; err != nil {
		t.Fatalf("seed audit: %v", err)
	}

	all, err := f.store.AuditTrail(ctx, f.company.ID, 0, 0)
	if err != nil {
		t.Fatalf("AuditTrail() error = %v", err)
	}
	if len(all) != 3 || all[0].RecordID != "3-0" {
		t.Errorf("AuditTrail() = %+v", all)
	}
	one, err := f.store.AuditTrail(ctx, f.company.ID, 1, 1)
	if err != nil {
		t.Fatalf("AuditTrail() error = %v", err)
	}
	if len(one) != 1 || one[0].RecordID != "2-0" {
		t.Errorf("AuditTrail(invoice 1, limit 1) = %+v", one)
	}
}

func TestCreateInvoice_DuplicateNumber(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	inv := &models.Invoice{CompanyID: f.company.ID, ClientID: f.client.ID, Number: "F-9", IssueDate: time.Now()}
	if err := f.store.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("CreateInvoice() error = %v", err)
	}
	if inv.SubmissionStatus != models.SubmissionNotSent {
		t.Errorf("status = %s, want NOT_SENT", inv.SubmissionStatus)
	}
	dup := &models.Invoice{CompanyID: f.company.ID, ClientID: f.client.ID, Number: "F-9", IssueDate: time.Now()}
	if err := f.store.CreateInvoice(ctx, dup); !errors.Is(err, ErrDuplicateNumber) {
		t.Errorf("duplicate: error = %v, want ErrDuplicateNumber", err)
	}
}
