package user

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/jupiter/internal/user/domain"
	"github.com/smallbiznis/jupiter/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type directory struct {
	db *gorm.DB
}

func ProvideDirectory(db *gorm.DB) domain.Directory {
	return &directory{db: db}
}

func (d *directory) GetUser(ctx context.Context, id snowflake.ID) (*domain.User, error) {
	if id == 0 {
		return nil, domain.ErrInvalidUser
	}
	var record domain.User
	err := d.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (d *directory) FindUsersLike(ctx context.Context, text string) ([]domain.User, error) {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil, nil
	}
	var records []domain.User
	err := d.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where(
			d.db.Where("LOWER(organization_tag) LIKE ?", "%"+needle+"%").
				Or(db.ReverseLike(d.db.Dialector, "organization_tag"), needle),
		).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (d *directory) FindUsersByEmailDomain(ctx context.Context, text string) ([]domain.User, error) {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil, nil
	}
	var records []domain.User
	err := d.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("LOWER(email) LIKE ?", "%"+needle+"%").
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	// The LIKE above only narrows; the domain check happens here so a match
	// on the local part alone does not count.
	matched := records[:0]
	for _, record := range records {
		at := strings.LastIndex(record.Email, "@")
		if at < 0 {
			continue
		}
		if strings.Contains(strings.ToLower(record.Email[at+1:]), needle) {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

func (d *directory) ListUsers(ctx context.Context) ([]domain.User, error) {
	var records []domain.User
	err := d.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

var Module = fx.Module("user.directory",
	fx.Provide(ProvideDirectory),
)
