package deps

import (
	"sort"

	"github.com/aluedeke/go-appbundler/pkg/project"
)

// member is one closure entry with its resolved destination.
type member struct {
	dest   string
	entity project.Entity
}

// Closure is the set of binaries to bundle. Every declared binary is a
// member of its own, even when several share a destination directory.
// Discovered libraries are keyed by resolved destination so one physical
// file reached through different macros is copied once.
type Closure struct {
	members  []member
	declared map[string]bool
	dests    map[string]bool
}

func newClosure() *Closure {
	return &Closure{declared: make(map[string]bool), dests: make(map[string]bool)}
}

// declare records a binary named by the bundle description. Only an exact
// repeat of source and destination is dropped.
func (c *Closure) declare(dest string, e project.Entity) bool {
	key := e.Source + "\x00" + dest
	if c.declared[key] {
		return false
	}
	c.declared[key] = true
	c.dests[dest] = true
	c.members = append(c.members, member{dest: dest, entity: e})
	return true
}

// add records a discovered library under dest and reports whether dest was
// new.
func (c *Closure) add(dest string, e project.Entity) bool {
	if c.dests[dest] {
		return false
	}
	c.dests[dest] = true
	c.members = append(c.members, member{dest: dest, entity: e})
	return true
}

// Len returns the number of members.
func (c *Closure) Len() int {
	return len(c.members)
}

// Contains reports whether some member lands at dest.
func (c *Closure) Contains(dest string) bool {
	return c.dests[dest]
}

func (c *Closure) sorted() []member {
	out := append([]member(nil), c.members...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].dest != out[j].dest {
			return out[i].dest < out[j].dest
		}
		return out[i].entity.Source < out[j].entity.Source
	})
	return out
}

// Destinations returns the resolved destination of every member in
// lexicographic order. Declared binaries sharing a directory repeat it.
func (c *Closure) Destinations() []string {
	sorted := c.sorted()
	dests := make([]string, len(sorted))
	for i, m := range sorted {
		dests[i] = m.dest
	}
	return dests
}

// Entities returns the members ordered by destination, then source.
func (c *Closure) Entities() []project.Entity {
	sorted := c.sorted()
	out := make([]project.Entity, len(sorted))
	for i, m := range sorted {
		out[i] = m.entity
	}
	return out
}
