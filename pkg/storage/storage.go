package storage

import (
	"gorm.io/gorm"

	"github.com/lingomesh/lingomesh/pkg/storage/repositories"
)

// Storage is the database storage interface
type Storage interface {
	// DB returns the underlying GORM database instance
	DB() *gorm.DB

	// SignalRepo returns the signaling mailbox repository
	SignalRepo() *repositories.SignalRepository

	Close() error
}
