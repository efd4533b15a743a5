package db

import (
	"sync"

	"gorm.io/gorm"
)

var (
	modelsMu sync.Mutex
	models   []any
)

// RegisterModels records models for Migrate. Service packages call it from init.
func RegisterModels(m ...any) {
	modelsMu.Lock()
	defer modelsMu.Unlock()
	models = append(models, m...)
}

// Models returns every registered model.
func Models() []any {
	modelsMu.Lock()
	defer modelsMu.Unlock()
	out := make([]any, len(models))
	copy(out, models)
	return out
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
