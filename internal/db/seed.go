package db

import (
	"fmt"

	"github.com/diewo77/invoicechain/internal/models"
	"gorm.io/gorm"
)

type permissionSeed struct {
	ResourceType string
	Action       string
	Description  string
}

var corePermissions = []permissionSeed{
	{"*", "*", "Full system access"},
	{"invoice", "*", "All invoice actions"},
	{"invoice", "view", "View invoice submission state"},
	{"invoice", "create", "Issue new invoices"},
	{"invoice", "submit", "Submit invoices to the tax authority"},
	{"invoice", "retry", "Retry failed submissions"},
	{"chain", "verify", "Verify a tenant hash chain"},
	{"audit", "view", "Read the audit trail"},
}

var coreProfiles = map[string][]string{
	"admin":     {"*:*"},
	"submitter": {"invoice:view", "invoice:create", "invoice:submit", "invoice:retry"},
	"auditor":   {"invoice:view", "chain:verify", "audit:view"},
}

// Seed creates the core permissions and profiles. It is idempotent.
func Seed(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		byCode := make(map[string]models.Permission, len(corePermissions))
		for _, p := range corePermissions {
			perm := models.Permission{ResourceType: p.ResourceType, Action: p.Action}
			err := tx.Where("resource_type = ? AND action = ?", p.ResourceType, p.Action).
				Attrs(models.Permission{Description: p.Description}).
				FirstOrCreate(&perm).Error
			if err != nil {
				return fmt.Errorf("seed permission %s:%s: %w", p.ResourceType, p.Action, err)
			}
			byCode[perm.Code()] = perm
		}

		for name, codes := range coreProfiles {
			profile := models.Profile{Name: name}
			if err := tx.Where("name = ?", name).FirstOrCreate(&profile).Error; err != nil {
				return fmt.Errorf("seed profile %s: %w", name, err)
			}
			perms := make([]models.Permission, 0, len(codes))
			for _, code := range codes {
				perms = append(perms, byCode[code])
			}
			if err := tx.Model(&profile).Association("Permissions").Replace(perms); err != nil {
				return fmt.Errorf("seed profile %s permissions: %w", name, err)
			}
		}
		return nil
	})
}
