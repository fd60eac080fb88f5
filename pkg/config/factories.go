package config

import (
	"fmt"

	"github.com/marmos91/oncrpc/pkg/attr"
	attrbadger "github.com/marmos91/oncrpc/pkg/attr/badger"
	attrmemory "github.com/marmos91/oncrpc/pkg/attr/memory"
)

// NewAttributeStore constructs the attribute store selected by the
// configuration.
func NewAttributeStore(cfg *Config) (attr.Store, error) {
	switch cfg.Attributes.Type {
	case "memory":
		return attrmemory.New(), nil
	case "badger":
		return attrbadger.New(attrbadger.Options{Dir: cfg.Attributes.Badger.Dir})
	default:
		return nil, fmt.Errorf("unknown attribute store type %q", cfg.Attributes.Type)
	}
}
