/*
Package resolve walks the merge graphs that a DVID-style key-value service
uses to split a mesh fragment across many stored pieces, fetches every
terminal leaf, and assembles them into one geometry.

A fragment id may name a terminal leaf directly, or a ".merge" JSON document
listing child keys, each of which may itself be merge-indirected.  Leaves
are gathered depth-first in document order since their order fixes the
vertex-index offsets of the merged mesh.
*/
package resolve

import (
	"context"
	"fmt"
	"net/http"

	"github.com/janelia-flyem/meshpull/mesh"
	"github.com/janelia-flyem/meshpull/meshpull"
	"github.com/janelia-flyem/meshpull/transport"
)

const (
	// DefaultLeafSuffix is the key suffix under which terminal mesh
	// fragments are stored.
	DefaultLeafSuffix = "ngmesh"

	// DefaultMaxDepth bounds merge-graph recursion.  Graphs are expected to
	// be shallow trees; past this depth a branch is assumed to be malformed
	// (e.g. a key cycle) and is dropped.
	DefaultMaxDepth = 32
)

// Resolver fetches and assembles mesh fragments from one data instance of a
// remote key-value service.  It is safe for concurrent use.
type Resolver struct {
	// Base is the data instance URL, e.g.
	// http://host:8000/api/node/<uuid>/<dataname>
	Base string

	// Client executes the credentialed fetches.
	Client *transport.Client

	// LeafSuffix is the key suffix for terminal fragments.
	LeafSuffix string

	// MaxDepth bounds merge-graph recursion per branch.
	MaxDepth int

	// Cache, if non-nil, holds previously fetched payloads keyed by URL.
	Cache *FragmentCache
}

// NewResolver returns a resolver for the given data instance URL with
// default suffix and depth settings.
func NewResolver(base string, client *transport.Client) *Resolver {
	return &Resolver{
		Base:       base,
		Client:     client,
		LeafSuffix: DefaultLeafSuffix,
		MaxDepth:   DefaultMaxDepth,
	}
}

// Assemble fetches the fragment's merge graph, resolves every branch, and
// returns the merged geometry.  If the merge path fails for any reason
// other than cancellation, it falls back to fetching the fragment id as a
// single terminal leaf; absence of a merge document is a normal condition
// for unsplit fragments.  Only failure of both paths is returned as an
// error.
func (r *Resolver) Assemble(ctx context.Context, fragmentID string) (*mesh.Geometry, error) {
	timedLog := meshpull.NewTimeLog()
	geom, err := r.assembleMerged(ctx, fragmentID)
	if err == nil {
		timedLog.Infof("assembled fragment %q from merge graph: %d vertices, %d triangles",
			fragmentID, geom.VertexCount(), geom.TriangleCount())
		return geom, nil
	}
	// Only the caller's context decides cancellation: a per-request timeout
	// inside a fetch also surfaces as a deadline error, but must be treated
	// as an ordinary failure so the fallback path still runs.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	meshpull.Debugf("merge path for fragment %q failed (%v), trying direct leaf\n", fragmentID, err)

	leaf, lerr := r.fetch(ctx, fragmentID+"."+r.LeafSuffix)
	if lerr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fragment %q unavailable: merge path: %v; direct leaf: %v", fragmentID, err, lerr)
	}
	geom, derr := mesh.Decode(leaf)
	if derr != nil {
		return nil, fmt.Errorf("fragment %q unavailable: merge path: %v; direct leaf: %v", fragmentID, err, derr)
	}
	timedLog.Infof("assembled fragment %q from single leaf: %d vertices, %d triangles",
		fragmentID, geom.VertexCount(), geom.TriangleCount())
	return geom, nil
}

// assembleMerged is the primary path: the fragment id must have a merge
// document, whose branches are resolved with the fragment id as master key.
func (r *Resolver) assembleMerged(ctx context.Context, fragmentID string) (*mesh.Geometry, error) {
	data, err := r.fetch(ctx, fragmentID+".merge")
	if err != nil {
		return nil, err
	}
	children, err := decodeMergeDoc(data)
	if err != nil {
		return nil, err
	}
	leaves := r.resolveChildren(ctx, children, fragmentID, 1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mesh.DecodeMerged(leaves)
}

// Resolve returns the terminal leaf payloads for a key within a merge graph
// rooted at masterKey, in depth-first document order.
func (r *Resolver) Resolve(ctx context.Context, key, masterKey string) ([][]byte, error) {
	return r.resolve(ctx, key, masterKey, 0)
}

func (r *Resolver) resolve(ctx context.Context, key, masterKey string, depth int) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if depth > r.MaxDepth {
		return nil, fmt.Errorf("merge graph at key %q exceeds depth %d", key, r.MaxDepth)
	}

	// The master key is by convention terminal: no merge lookup, no fallback.
	if key == masterKey {
		leaf, err := r.fetch(ctx, key+"."+r.LeafSuffix)
		if err != nil {
			return nil, err
		}
		return [][]byte{leaf}, nil
	}

	data, err := r.fetch(ctx, key+".merge")
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		// Not a merge pointer after all; treat the key as a terminal leaf.
		leaf, lerr := r.fetch(ctx, key+"."+r.LeafSuffix)
		if lerr != nil {
			return nil, lerr
		}
		return [][]byte{leaf}, nil
	}
	children, err := decodeMergeDoc(data)
	if err != nil {
		return nil, err
	}
	leaves := r.resolveChildren(ctx, children, masterKey, depth+1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return leaves, nil
}

// resolveChildren resolves each child branch in order.  A failed branch
// contributes no leaves: siblings may still produce a usable mesh, so the
// failure is logged rather than propagated.  Cancellation stops the walk.
func (r *Resolver) resolveChildren(ctx context.Context, children []string, masterKey string, depth int) [][]byte {
	var leaves [][]byte
	for _, child := range children {
		sub, err := r.resolve(ctx, child, masterKey, depth)
		if err != nil {
			if ctx.Err() != nil {
				return leaves
			}
			meshpull.Warningf("dropping merge graph branch %q: %v\n", child, err)
			continue
		}
		leaves = append(leaves, sub...)
	}
	return leaves
}

// fetch gets one stored value by key name, through the cache when present.
func (r *Resolver) fetch(ctx context.Context, name string) ([]byte, error) {
	url := r.Base + "/key/" + name
	if r.Cache != nil {
		if data, found := r.Cache.Get(url); found {
			return data, nil
		}
	}
	data, err := r.Client.Do(ctx, transport.Call{Method: http.MethodGet, URL: url})
	if err != nil {
		return nil, err
	}
	if r.Cache != nil {
		r.Cache.Put(url, data)
	}
	return data, nil
}
