// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/docrest/core/access"
)

// Configuration holds the access configuration of all resources
type Configuration struct {
	Resources []ResourceConfiguration `json:"resources"`
}

// ResourceConfiguration describes the access to one resource
type ResourceConfiguration struct {
	// Resource is the plural route name, e.g. "users"
	Resource    string          `json:"resource"`
	Permits     []access.Permit `json:"permits"`
	Description string          `json:"description"`
}

// ParseConfiguration parses a JSON configuration
func ParseConfiguration(data []byte) (Configuration, error) {
	var config Configuration
	if err := json.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse error in backend configuration: %w", err)
	}
	seen := map[string]bool{}
	for _, rc := range config.Resources {
		if rc.Resource == "" {
			return config, fmt.Errorf("backend configuration: resource without name")
		}
		if seen[rc.Resource] {
			return config, fmt.Errorf("backend configuration: resource %s is configured twice", rc.Resource)
		}
		seen[rc.Resource] = true
	}
	return config, nil
}

// Permits returns the permits of a resource. Unknown resources have no permits, so only the
// admin role may access them.
func (c Configuration) Permits(resource string) []access.Permit {
	for _, rc := range c.Resources {
		if rc.Resource == resource {
			return rc.Permits
		}
	}
	return nil
}
