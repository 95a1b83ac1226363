package model

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/jupiter/internal/model/domain"
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

func (d *directory) GetModel(ctx context.Context, id snowflake.ID) (*domain.AIModel, error) {
	if id == 0 {
		return nil, domain.ErrInvalidModel
	}
	var record domain.AIModel
	err := d.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrModelNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (d *directory) FindModelsLike(ctx context.Context, text string) ([]domain.AIModel, error) {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil, nil
	}
	var records []domain.AIModel
	err := d.db.WithContext(ctx).
		Where("status = ?", domain.ModelStatusActive).
		Where(
			d.db.Where("LOWER(model_identifier) LIKE ?", "%"+needle+"%").
				Or("LOWER(name) LIKE ?", "%"+needle+"%").
				Or(db.ReverseLike(d.db.Dialector, "model_identifier"), needle).
				Or(db.ReverseLike(d.db.Dialector, "name"), needle),
		).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

var Module = fx.Module("model.directory",
	fx.Provide(ProvideDirectory),
)
