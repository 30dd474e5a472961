// Package build holds the descriptor for a build artifact under test.
package build

import (
	"fmt"
	"strings"
)

// Info identifies one build artifact handed to an invocation. Attributes carry
// provider-specific metadata (artifact paths, checksums) that the core never
// interprets.
type Info struct {
	ID         string
	Branch     string
	Flavor     string
	Attributes map[string]string
}

// Clone returns a deep copy so shards and resumed invocations cannot mutate
// each other's descriptor.
func (i *Info) Clone() *Info {
	if i == nil {
		return nil
	}
	out := &Info{ID: i.ID, Branch: i.Branch, Flavor: i.Flavor}
	if len(i.Attributes) > 0 {
		out.Attributes = make(map[string]string, len(i.Attributes))
		for k, v := range i.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// Attribute returns the named attribute or "".
func (i *Info) Attribute(key string) string {
	if i == nil {
		return ""
	}
	return i.Attributes[key]
}

func (i *Info) String() string {
	if i == nil {
		return "<no build>"
	}
	parts := []string{i.ID}
	if i.Branch != "" {
		parts = append(parts, i.Branch)
	}
	if i.Flavor != "" {
		parts = append(parts, i.Flavor)
	}
	return fmt.Sprintf("build[%s]", strings.Join(parts, "/"))
}
