package model

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// GraphProvider hands out immutable process graphs keyed by definition
// identity. Implementations are expected to cache: graphs are looked up on
// every engine advance.
type GraphProvider interface {
	ProcessGraph(ctx context.Context, definitionId string, version int32) (*ProcessGraph, error)
}

// GraphLoader resolves a definition id+version to a graph, e.g. from a
// deployment store.
type GraphLoader func(ctx context.Context, definitionId string, version int32) (*ProcessGraph, error)

const defaultGraphCacheSize = 128

// CachingProvider wraps a GraphLoader with an LRU cache keyed by
// definition id+version. Graphs are immutable so cached entries never go
// stale for a given version.
type CachingProvider struct {
	loader GraphLoader
	cache  *lru.Cache[string, *ProcessGraph]
}

func NewCachingProvider(loader GraphLoader) (*CachingProvider, error) {
	cache, err := lru.New[string, *ProcessGraph](defaultGraphCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph cache: %w", err)
	}
	return &CachingProvider{loader: loader, cache: cache}, nil
}

func (p *CachingProvider) ProcessGraph(ctx context.Context, definitionId string, version int32) (*ProcessGraph, error) {
	key := CacheKey(definitionId, version)
	if graph, ok := p.cache.Get(key); ok {
		return graph, nil
	}
	graph, err := p.loader(ctx, definitionId, version)
	if err != nil {
		return nil, fmt.Errorf("failed to load process graph %s: %w", key, err)
	}
	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("process graph %s is invalid: %w", key, err)
	}
	p.cache.Add(key, graph)
	return graph, nil
}

// StaticProvider serves graphs registered up front, for embedded use and
// tests.
type StaticProvider struct {
	graphs map[string]*ProcessGraph
}

func NewStaticProvider(graphs ...*ProcessGraph) *StaticProvider {
	p := &StaticProvider{graphs: make(map[string]*ProcessGraph, len(graphs))}
	for _, g := range graphs {
		p.graphs[g.CacheKey()] = g
	}
	return p
}

func (p *StaticProvider) Register(graph *ProcessGraph) {
	p.graphs[graph.CacheKey()] = graph
}

func (p *StaticProvider) ProcessGraph(ctx context.Context, definitionId string, version int32) (*ProcessGraph, error) {
	graph, ok := p.graphs[CacheKey(definitionId, version)]
	if !ok {
		return nil, fmt.Errorf("no process graph registered for %s version %d", definitionId, version)
	}
	return graph, nil
}
