package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"sort"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/tokenizer"
)

// Sparse is a lexical signature: hashed term ids with weights, sorted by id.
// Terms[i] is the first surface term that hashed to Indices[i].
type Sparse struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
	Terms   []string  `json:"terms"`
}

// Len reports the number of non-zero dimensions.
func (s Sparse) Len() int { return len(s.Indices) }

// Dot returns the inner product of two sparse signatures.
func (s Sparse) Dot(o Sparse) float64 {
	var sum float64
	i, j := 0, 0
	for i < len(s.Indices) && j < len(o.Indices) {
		switch {
		case s.Indices[i] == o.Indices[j]:
			sum += float64(s.Values[i]) * float64(o.Values[j])
			i++
			j++
		case s.Indices[i] < o.Indices[j]:
			i++
		default:
			j++
		}
	}
	return sum
}

// Encoding is the output of an Encoder for one text.
type Encoding struct {
	Dense  []float32
	Sparse Sparse
}

// Encoder turns text into a fixed-width dense vector and a sparse signature.
type Encoder interface {
	Encode(ctx context.Context, text string) (Encoding, error)
	Dimensions() int
}

// HashEncoder is a deterministic, dependency-free encoder using signed
// feature hashing over terms and character trigrams.
type HashEncoder struct {
	dims int
}

// NewHashEncoder returns an encoder producing dims-wide dense vectors.
func NewHashEncoder(dims int) *HashEncoder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEncoder{dims: dims}
}

func (h *HashEncoder) Dimensions() int { return h.dims }

// Encode implements Encoder. It never fails.
func (h *HashEncoder) Encode(_ context.Context, text string) (Encoding, error) {
	terms := tokenizer.Terms(text)
	return Encoding{Dense: h.dense(terms), Sparse: SparseOf(terms)}, nil
}

func (h *HashEncoder) dense(terms []string) []float32 {
	vec := make([]float32, h.dims)
	add := func(feature string, weight float32) {
		sum := hash64(feature)
		idx := int(sum % uint64(h.dims))
		if sum&(1<<63) != 0 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for _, t := range terms {
		add("w:"+t, 1)
		r := []rune("^" + t + "$")
		for i := 0; i+3 <= len(r); i++ {
			add("g:"+string(r[i:i+3]), 0.5)
		}
	}
	normalize(vec)
	return vec
}

// SparseOf builds a sparse signature with log-scaled term frequency weights.
func SparseOf(terms []string) Sparse {
	tf := make(map[uint32]float32, len(terms))
	surface := make(map[uint32]string, len(terms))
	for _, t := range terms {
		id := hash32(t)
		tf[id]++
		if _, ok := surface[id]; !ok {
			surface[id] = t
		}
	}
	out := Sparse{
		Indices: make([]uint32, 0, len(tf)),
		Values:  make([]float32, 0, len(tf)),
		Terms:   make([]string, 0, len(tf)),
	}
	for id := range tf {
		out.Indices = append(out.Indices, id)
	}
	sort.Slice(out.Indices, func(i, j int) bool { return out.Indices[i] < out.Indices[j] })
	for _, id := range out.Indices {
		out.Values = append(out.Values, float32(1+math.Log(float64(tf[id]))))
		out.Terms = append(out.Terms, surface[id])
	}
	return out
}

// Cosine returns the cosine similarity of two equal-width vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func normalize(v []float32) {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	if n == 0 {
		return
	}
	n = math.Sqrt(n)
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func hash32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
