package presence

import "sort"

// TagStat is the occupancy of one tag.
type TagStat struct {
	Name     string `json:"name"`
	Sessions int    `json:"sessions"`
}

// index maps tag names to the handles currently online under them. A tag is
// present only while its set is non-empty. Not safe for concurrent use.
type index struct {
	tags map[string]map[Handle]struct{}
}

func newIndex() *index {
	return &index{tags: make(map[string]map[Handle]struct{})}
}

func (ix *index) add(tag string, handle Handle) {
	members, ok := ix.tags[tag]
	if !ok {
		members = make(map[Handle]struct{})
		ix.tags[tag] = members
	}
	members[handle] = struct{}{}
}

// remove drops handle from tag and prunes the tag once it is empty.
func (ix *index) remove(tag string, handle Handle) {
	members, ok := ix.tags[tag]
	if !ok {
		return
	}
	delete(members, handle)
	if len(members) == 0 {
		delete(ix.tags, tag)
	}
}

func (ix *index) count(tag string) int {
	return len(ix.tags[tag])
}

func (ix *index) contains(tag string, handle Handle) bool {
	_, ok := ix.tags[tag][handle]
	return ok
}

// stats returns every tag with its size, sorted by name.
func (ix *index) stats() []TagStat {
	out := make([]TagStat, 0, len(ix.tags))
	for name, members := range ix.tags {
		out = append(out, TagStat{Name: name, Sessions: len(members)})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}
