package rabbittest

import "testing"

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		binding string
		key     string
		want    bool
	}{
		{"audit.*", "audit.create", true},
		{"audit.*", "audit", false},
		{"audit.*", "audit.create.extra", false},
		{"audit.#", "audit", true},
		{"audit.#", "audit.create.extra", true},
		{"#", "anything.at.all", true},
		{"#.alert", "alert", true},
		{"#.alert", "lake.tahoe.alert", true},
		{"#.alert", "lake.alert.cleared", false},
		{"lake.#.alert", "lake.alert", true},
		{"lake.#.alert", "lake.a.b.alert", true},
		{"*.*", "a.b", true},
		{"*.*", "a", false},
		{"outing.created", "outing.created", true},
		{"outing.created", "outing.updated", false},
	}
	for _, c := range cases {
		if got := topicMatches(c.binding, c.key); got != c.want {
			t.Errorf("topicMatches(%q, %q) = %v, want %v", c.binding, c.key, got, c.want)
		}
	}
}
