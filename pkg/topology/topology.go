// Package topology accumulates declared emit/subscribe edges from every
// route, event subscription, and cron job, validates the resulting graph at
// startup, and can render it as DOT for introspection.
package topology

import (
	"fmt"
	"sort"
	"strings"
)

const systemPrefix = "SYS:"

func isSystemTopic(topic string) bool {
	return len(topic) >= len(systemPrefix) && topic[:len(systemPrefix)] == systemPrefix
}

// Edge records one declared emit or subscribe relationship and the
// component that declared it.
type Edge struct {
	Topic  string
	Origin string // e.g. "route:GET /widgets", "event:widgets.go", "cron:sync"
}

// Graph accumulates declared edges across the whole server.
type Graph struct {
	emits      []Edge
	subscribes []Edge
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{}
}

// DeclareEmit records that origin may emit topic.
func (g *Graph) DeclareEmit(topic, origin string) {
	g.emits = append(g.emits, Edge{Topic: topic, Origin: origin})
}

// DeclareSubscribe records that origin subscribes to topic.
func (g *Graph) DeclareSubscribe(topic, origin string) {
	g.subscribes = append(g.subscribes, Edge{Topic: topic, Origin: origin})
}

// ValidationError lists topics that are emitted but never subscribed to
// (excluding system topics).
type ValidationError struct {
	OrphanTopics map[string][]string // topic -> origins that emit it
}

func (e *ValidationError) Error() string {
	topics := make([]string, 0, len(e.OrphanTopics))
	for t := range e.OrphanTopics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return fmt.Sprintf("topology: %d topic(s) emitted but never subscribed: %s", len(topics), strings.Join(topics, ", "))
}

// Validate fails if any topic, excluding system topics, is declared as
// emitted but has no subscriber, listing every such topic and its emitting
// origins. Topics that are subscribed to but never declared as emitted are
// not reported.
func (g *Graph) Validate() error {
	subscribed := make(map[string]bool)
	for _, e := range g.subscribes {
		subscribed[e.Topic] = true
	}

	orphans := make(map[string][]string)
	for _, e := range g.emits {
		if isSystemTopic(e.Topic) {
			continue
		}
		if !subscribed[e.Topic] {
			orphans[e.Topic] = append(orphans[e.Topic], e.Origin)
		}
	}

	if len(orphans) == 0 {
		return nil
	}
	return &ValidationError{OrphanTopics: orphans}
}

// DOT renders the accumulated graph as a Graphviz DOT document: one node
// per origin and per topic, edges for emit (origin->topic) and subscribe
// (topic->origin).
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph topology {\n")
	b.WriteString("  rankdir=LR;\n")

	seen := make(map[string]bool)
	node := func(id string) string {
		quoted := fmt.Sprintf("%q", id)
		if !seen[id] {
			seen[id] = true
			b.WriteString(fmt.Sprintf("  %s;\n", quoted))
		}
		return quoted
	}

	for _, e := range g.emits {
		b.WriteString(fmt.Sprintf("  %s -> %s;\n", node(e.Origin), node(e.Topic)))
	}
	for _, e := range g.subscribes {
		b.WriteString(fmt.Sprintf("  %s -> %s;\n", node(e.Topic), node(e.Origin)))
	}

	b.WriteString("}\n")
	return b.String()
}
