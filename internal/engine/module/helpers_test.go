package module

import (
	"context"
	"testing"

	"modgraph/internal/engine/eventloop"
)

type trace struct {
	events []string
}

func (tr *trace) add(s string) { tr.events = append(tr.events, s) }

func (tr *trace) index(s string) int {
	for i, e := range tr.events {
		if e == s {
			return i
		}
	}
	return -1
}

type fakeBody struct {
	name     string
	tr       *trace
	loop     *eventloop.Loop
	err      error
	asyncErr error
	initErr  error
	runs     int
}

func (b *fakeBody) Execute(ctx context.Context) error {
	b.runs++
	b.tr.add(b.name)
	return b.err
}

func (b *fakeBody) ExecuteAsync(ctx context.Context, c *Capability) {
	b.runs++
	b.tr.add(b.name + ":start")
	b.loop.Post(func() {
		b.tr.add(b.name + ":done")
		if b.asyncErr != nil {
			c.Reject(b.asyncErr)
			return
		}
		c.Resolve()
	})
}

type initBody struct {
	*fakeBody
}

func (b initBody) InitializeEnvironment() error {
	b.tr.add("init:" + b.name)
	return b.initErr
}

type node struct {
	name     string
	deps     []string
	tla      bool
	err      error
	asyncErr error
	initErr  error
	exports  []string
	unloaded bool
}

type testGraph struct {
	t       *testing.T
	loop    *eventloop.Loop
	arena   *Arena
	tr      *trace
	handles map[string]Handle
	bodies  map[string]*fakeBody
	names   map[Handle]string
	linked  []string
	seen    []string
}

// buildGraph creates every node and binds their requests directly, the way the
// graph loader leaves them once fetching is done.
func buildGraph(t *testing.T, nodes []node, opts ...Option) *testGraph {
	t.Helper()
	g := &testGraph{
		t:       t,
		loop:    eventloop.New(),
		tr:      &trace{},
		handles: make(map[string]Handle),
		bodies:  make(map[string]*fakeBody),
		names:   make(map[Handle]string),
	}
	opts = append([]Option{WithObserver(ObserverFunc(g.onStatus))}, opts...)
	g.arena = NewArena(g.loop, opts...)

	for _, n := range nodes {
		b := &fakeBody{name: n.name, tr: g.tr, loop: g.loop, err: n.err, asyncErr: n.asyncErr, initErr: n.initErr}
		var body Body = b
		if n.initErr != nil {
			body = initBody{b}
		}
		reqs := make([]Request, 0, len(n.deps))
		for _, d := range n.deps {
			reqs = append(reqs, Request{Specifier: "./" + d + ".js"})
		}
		h := g.arena.Create(&ParsedModule{
			RequestedModules: reqs,
			HasTopLevelAwait: n.tla,
			ExportedNames:    n.exports,
			Body:             body,
		}, Info{URL: "https://example.test/" + n.name + ".js", Filename: n.name + ".js"})
		g.handles[n.name] = h
		g.bodies[n.name] = b
		g.names[h] = n.name
	}
	for _, n := range nodes {
		for _, d := range n.deps {
			dh, ok := g.handles[d]
			if !ok {
				continue
			}
			if err := g.arena.RecordLoaded(g.handles[n.name], "./"+d+".js", dh); err != nil {
				t.Fatalf("record %s -> %s: %v", n.name, d, err)
			}
		}
		if !n.unloaded {
			if err := g.arena.MarkLoaded(g.handles[n.name]); err != nil {
				t.Fatalf("mark loaded %s: %v", n.name, err)
			}
		}
	}
	g.seen = nil
	return g
}

func (g *testGraph) onStatus(h Handle, s Status) {
	name := g.names[h]
	g.seen = append(g.seen, name+"="+s.String())
	if s == StatusLinked {
		g.linked = append(g.linked, name)
	}
}

func (g *testGraph) mod(name string) *CyclicModule {
	g.t.Helper()
	m := g.arena.Module(g.handles[name])
	if m == nil {
		g.t.Fatalf("no module %q", name)
	}
	return m
}

func (g *testGraph) link(name string) error {
	return g.arena.Link(context.Background(), g.handles[name])
}

func (g *testGraph) mustLink(name string) {
	g.t.Helper()
	if err := g.link(name); err != nil {
		g.t.Fatalf("link %s: %v", name, err)
	}
}

func (g *testGraph) evaluate(name string) *Capability {
	return g.arena.Evaluate(context.Background(), g.handles[name])
}

func (g *testGraph) drain() {
	g.t.Helper()
	if err := g.loop.Run(context.Background()); err != nil {
		g.t.Fatalf("loop: %v", err)
	}
}
