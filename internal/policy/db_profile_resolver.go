package policy

import (
	"context"
	"errors"

	"github.com/diewo77/invoicechain/gate"
	"github.com/diewo77/invoicechain/internal/models"
	"gorm.io/gorm"
)

// DBProfileResolver loads a user's profile and tenant from the database.
type DBProfileResolver struct {
	DB *gorm.DB
}

func NewDBProfileResolver(db *gorm.DB) *DBProfileResolver {
	return &DBProfileResolver{DB: db}
}

// Resolve returns nil for unknown users and users without a profile.
func (r *DBProfileResolver) Resolve(ctx context.Context, userID uint) (gate.Profile, error) {
	var user models.User
	err := r.DB.WithContext(ctx).Preload("Profile.Permissions").First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if user.Profile == nil {
		return nil, nil
	}
	perms := make([]gate.Permission, len(user.Profile.Permissions))
	for i, p := range user.Profile.Permissions {
		perms[i] = gate.Permission(p.Code())
	}
	return gate.NewStaticProfile(user.Profile.Name, user.CompanyID, perms...), nil
}

// UserExists is an auth.UserVerifier backed by the users table.
func (r *DBProfileResolver) UserExists(ctx context.Context, userID uint) bool {
	var count int64
	if err := r.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return false
	}
	return count > 0
}
