// Package routing maps an input identity to the topic routing key used for
// every publish of a run.
package routing

import "path/filepath"

// DefaultKey is used for identities missing from the table.
const DefaultKey = "mtl"

var table = map[string]string{
	"mtl_temperature.json": "mtl.temperature",
	"mtl_health.json":      "mtl.health",
	"mtl_grade.json":       "mtl.grade",
}

// Resolve returns the routing key for identity. It never fails.
func Resolve(identity string) string {
	if key, ok := table[identity]; ok {
		return key
	}
	return DefaultKey
}

// Identity derives the logical source name from an input path.
func Identity(path string) string {
	return filepath.Base(path)
}
