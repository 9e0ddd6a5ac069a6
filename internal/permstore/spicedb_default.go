//go:build !spicedb

package permstore

import "fmt"

// NewSpiceDBFromEnv is the default (no-tag) stub; the "spicedb"-tagged
// build in spicedb_spicedb.go provides the real implementation.
func NewSpiceDBFromEnv(endpoint, token string) (RelationChecker, error) {
	return nil, fmt.Errorf("spicedb backend not available: build with -tags spicedb")
}
