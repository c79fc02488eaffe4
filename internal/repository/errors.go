package repository

import (
	"errors"

	"github.com/noteduco342/whispr-backend/internal/apperr"
	"gorm.io/gorm"
)

// dbErr maps a gorm error onto the error taxonomy. Anything other than a
// missing row is treated as the store being unavailable.
func dbErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.NotFound(op, "record not found")
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrPermission), errors.Is(err, apperr.ErrValidation):
		return err
	}
	return apperr.Transient(op, err)
}
