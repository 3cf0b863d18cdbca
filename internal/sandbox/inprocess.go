package sandbox

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/annexdb/annex/internal/errors"
)

// HNSW defaults, matching the upstream recommendations.
const (
	defaultM        = 16
	defaultEfSearch = 20
)

// InProcess is a sandbox backed by a coder/hnsw graph running on a dedicated
// worker goroutine. The goroutine is the isolation boundary: all state is
// owned by it, every call crosses a request channel, and calls are therefore
// serialized without any shared-memory locking.
type InProcess struct {
	requests chan request
	quit     chan struct{}
	done     chan struct{}
	stop     sync.Once
}

type request struct {
	fn    func(st *state) (any, error)
	reply chan callResult
}

type callResult struct {
	value any
	err   error
}

// state is the worker-owned index state.
type state struct {
	opts        InitOptions
	initialized bool
	dimension   int

	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	docs  map[string]Document
	order []string // insertion order of live ids
}

// NewInProcess spawns an in-process sandbox. Initialize must be called
// before any other operation.
func NewInProcess() *InProcess {
	s := &InProcess{
		requests: make(chan request),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *InProcess) run() {
	defer close(s.done)

	st := &state{
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		docs:   make(map[string]Document),
	}

	for {
		select {
		case <-s.quit:
			// Fail any request that raced with Destroy.
			for {
				select {
				case req := <-s.requests:
					req.reply <- callResult{err: errDestroyed()}
				default:
					st.graph = nil
					return
				}
			}
		case req := <-s.requests:
			value, err := req.fn(st)
			req.reply <- callResult{value: value, err: err}
		}
	}
}

// call submits fn to the worker and waits for its result. When ctx expires
// first, the worker still finishes the operation; only the caller gives up.
func (s *InProcess) call(ctx context.Context, fn func(st *state) (any, error)) (any, error) {
	reply := make(chan callResult, 1)

	select {
	case s.requests <- request{fn: fn, reply: reply}:
	case <-s.done:
		return nil, errDestroyed()
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrCodeTimeout, ctx.Err())
	}

	select {
	case res := <-reply:
		return res.value, res.err
	case <-s.done:
		return nil, errDestroyed()
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrCodeTimeout, ctx.Err())
	}
}

func errDestroyed() error {
	return errors.New(errors.ErrCodeSandboxFailed, "sandbox destroyed", nil)
}

// Initialize constructs the in-memory index.
func (s *InProcess) Initialize(ctx context.Context, opts InitOptions) error {
	_, err := s.call(ctx, func(st *state) (any, error) {
		if st.initialized {
			return nil, errors.New(errors.ErrCodeSandboxFailed, "sandbox already initialized", nil)
		}
		if opts.M == 0 {
			opts.M = defaultM
		}
		if opts.EfSearch == 0 {
			opts.EfSearch = defaultEfSearch
		}

		graph := hnsw.NewGraph[uint64]()
		graph.Distance = hnsw.CosineDistance
		graph.M = opts.M
		graph.EfSearch = opts.EfSearch
		graph.Ml = 0.25

		st.opts = opts
		st.graph = graph
		st.dimension = opts.Dimension
		st.initialized = true
		return nil, nil
	})
	return err
}

// AddDocuments appends documents. The batch is validated as a whole before
// anything is inserted, so a rejected batch leaves the index unchanged.
func (s *InProcess) AddDocuments(ctx context.Context, docs []Document) error {
	_, err := s.call(ctx, func(st *state) (any, error) {
		if err := st.requireInit(); err != nil {
			return nil, err
		}

		seen := make(map[string]struct{}, len(docs))
		for _, doc := range docs {
			if doc.ID == "" {
				return nil, errors.New(errors.ErrCodeSandboxFailed, "document without id", nil)
			}
			if doc.Vector == nil {
				return nil, errors.Newf(errors.ErrCodeSandboxFailed,
					"document %q has no vector", doc.ID)
			}
			if _, dup := seen[doc.ID]; dup {
				return nil, errors.Newf(errors.ErrCodeSandboxFailed,
					"duplicate document id %q in batch", doc.ID)
			}
			if _, stored := st.docs[doc.ID]; stored {
				return nil, errors.Newf(errors.ErrCodeSandboxFailed,
					"document id %q already stored", doc.ID)
			}
			dim := st.dimension
			if dim == 0 {
				dim = len(docs[0].Vector)
			}
			if len(doc.Vector) != dim {
				return nil, errors.Newf(errors.ErrCodeDimensionMismatch,
					"document %q has %d dimensions, index has %d", doc.ID, len(doc.Vector), dim)
			}
			seen[doc.ID] = struct{}{}
		}

		if st.dimension == 0 && len(docs) > 0 {
			st.dimension = len(docs[0].Vector)
		}

		for _, doc := range docs {
			key := st.nextKey
			st.nextKey++

			// The graph gets a normalized copy; the side table keeps the
			// original vector bit-for-bit for offload round-trips.
			vec := make([]float32, len(doc.Vector))
			copy(vec, doc.Vector)
			normalizeInPlace(vec)
			st.graph.Add(hnsw.MakeNode(key, vec))

			st.idMap[doc.ID] = key
			st.keyMap[key] = doc.ID
			st.docs[doc.ID] = doc
			st.order = append(st.order, doc.ID)
		}
		return nil, nil
	})
	return err
}

// Query returns up to K results sorted by decreasing score.
func (s *InProcess) Query(ctx context.Context, vector []float32, opts QueryOptions) ([]QueryResult, error) {
	value, err := s.call(ctx, func(st *state) (any, error) {
		if err := st.requireInit(); err != nil {
			return nil, err
		}
		if st.dimension != 0 && len(vector) != st.dimension {
			return nil, errors.Newf(errors.ErrCodeDimensionMismatch,
				"query vector has %d dimensions, index has %d", len(vector), st.dimension)
		}
		if len(st.docs) == 0 {
			return []QueryResult{}, nil
		}

		k := opts.K
		if k <= 0 || k > len(st.docs) {
			k = len(st.docs)
		}

		query := make([]float32, len(vector))
		copy(query, vector)
		normalizeInPlace(query)

		// Lazily-removed documents leave orphan nodes in the graph, so
		// over-fetch by the orphan count to still fill k live results.
		orphans := st.graph.Len() - len(st.docs)
		nodes := st.graph.Search(query, k+orphans)

		results := make([]QueryResult, 0, k)
		for _, node := range nodes {
			id, live := st.keyMap[node.Key]
			if !live {
				continue
			}
			score := 1.0 - st.graph.Distance(query, node.Value)/2.0
			if opts.Threshold != nil && score < *opts.Threshold {
				continue
			}
			doc := st.docs[id]
			res := QueryResult{ID: id, Score: score, Text: doc.Text}
			if opts.IncludeMetadata {
				res.Metadata = doc.Metadata
			}
			results = append(results, res)
			if len(results) == k {
				break
			}
		}

		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Score > results[j].Score
		})
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]QueryResult), nil
}

// RemoveDocuments removes documents by id, ignoring unknown ids.
// Graph nodes are removed lazily; orphans are skipped at query time.
func (s *InProcess) RemoveDocuments(ctx context.Context, ids []string) (int, error) {
	value, err := s.call(ctx, func(st *state) (any, error) {
		if err := st.requireInit(); err != nil {
			return nil, err
		}

		removed := 0
		for _, id := range ids {
			key, exists := st.idMap[id]
			if !exists {
				continue
			}
			delete(st.keyMap, key)
			delete(st.idMap, id)
			delete(st.docs, id)
			removed++
		}

		if removed > 0 {
			live := st.order[:0]
			for _, id := range st.order {
				if _, ok := st.docs[id]; ok {
					live = append(live, id)
				}
			}
			st.order = live
		}
		return removed, nil
	})
	if err != nil {
		return 0, err
	}
	return value.(int), nil
}

// GetDocuments returns every stored document in insertion order.
func (s *InProcess) GetDocuments(ctx context.Context) ([]Document, error) {
	value, err := s.call(ctx, func(st *state) (any, error) {
		if err := st.requireInit(); err != nil {
			return nil, err
		}
		docs := make([]Document, 0, len(st.order))
		for _, id := range st.order {
			docs = append(docs, st.docs[id])
		}
		return docs, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]Document), nil
}

// Destroy stops the worker and releases the index. Idempotent; calls after
// Destroy fail with a typed error instead of hanging.
func (s *InProcess) Destroy() {
	s.stop.Do(func() { close(s.quit) })
	<-s.done
}

func (st *state) requireInit() error {
	if !st.initialized {
		return errors.New(errors.ErrCodeSandboxFailed, "sandbox not initialized", nil)
	}
	return nil
}

// normalizeInPlace normalizes a vector to unit length in place.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// Verify interface implementation
var _ Contract = (*InProcess)(nil)
