package config

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	validate      = validator.New()
	serialPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
)

func init() {
	// report yaml names in errors
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	_ = validate.RegisterValidation("nodeserial", validateNodeSerial)
	_ = validate.RegisterValidation("uniqueserials", validateUniqueSerials)
}

func validateNodeSerial(fl validator.FieldLevel) bool {
	return serialPattern.MatchString(fl.Field().String())
}

func validateUniqueSerials(fl validator.FieldLevel) bool {
	nodes, ok := fl.Field().Interface().([]NodeSpec)
	if !ok {
		return false
	}
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if seen[n.Serial] {
			return false
		}
		seen[n.Serial] = true
	}
	return true
}

// Validator exposes the configured validator so services validate their
// payloads with the same custom rules.
func Validator() *validator.Validate {
	return validate
}

func Validate(cfg *DeployConfig) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if len(cfg.Imaging) == 0 && len(cfg.CreateClusters) == 0 &&
		!Enabled(cfg.EnableFC) && !Enabled(cfg.EnableMarketplace) {
		return fmt.Errorf("config validation failed: nothing to do")
	}
	batches := make(map[string]bool, len(cfg.Imaging))
	for _, b := range cfg.Imaging {
		if batches[b.Key()] {
			return fmt.Errorf("config validation failed: duplicate imaging batch %q", b.Key())
		}
		batches[b.Key()] = true
	}
	names := make(map[string]bool, len(cfg.CreateClusters))
	for _, c := range cfg.CreateClusters {
		if names[c.Name] {
			return fmt.Errorf("config validation failed: duplicate cluster_name %q", c.Name)
		}
		names[c.Name] = true
	}
	return nil
}
