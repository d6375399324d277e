// Package register registers the built-in capability implementations
package register

import (
	// register capabilities.
	_ "go.viam.com/recon/capability/colmap"
	_ "go.viam.com/recon/capability/segment"
	_ "go.viam.com/recon/capability/usda"
)
