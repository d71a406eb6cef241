package repository

import (
	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to Postgres through the pgx-backed gorm driver.
func Open(dsn string, log logger.Interface) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: log})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	return db, nil
}

// Migrate creates or updates every table the store uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.WorkflowDefinition{},
		&domain.WorkflowInstance{},
		&domain.Task{},
		&domain.ActivityLogEntry{},
		&domain.Notification{},
	)
}

func NewStore(db *gorm.DB) ports.Store {
	return ports.Store{
		Tasks:         NewTaskRepository(db),
		Workflows:     NewWorkflowRepository(db),
		Definitions:   NewDefinitionRepository(db),
		ActivityLog:   NewActivityLogRepository(db),
		Notifications: NewNotificationRepository(db),
	}
}
