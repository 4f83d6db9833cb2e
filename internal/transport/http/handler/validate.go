package handler

import (
	"fmt"
	"regexp"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var (
	// GitHub account names: alphanumeric with inner hyphens, no leading or
	// trailing hyphen.
	ownerPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?$`)
	repoPattern  = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// RegisterValidators installs the ghowner and ghrepo binding tags on gin's
// validator engine. Call once before building the router.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
	}
	if err := v.RegisterValidation("ghowner", func(fl validator.FieldLevel) bool {
		return ownerPattern.MatchString(fl.Field().String())
	}); err != nil {
		return fmt.Errorf("register ghowner: %w", err)
	}
	if err := v.RegisterValidation("ghrepo", func(fl validator.FieldLevel) bool {
		return repoPattern.MatchString(fl.Field().String())
	}); err != nil {
		return fmt.Errorf("register ghrepo: %w", err)
	}
	return nil
}
