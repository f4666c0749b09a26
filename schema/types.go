package schema

import (
	"strings"
	"time"
)

// Route identifies the backend model class that answers a query.
type Route string

const (
	RouteFactual     Route = "factual"
	RouteLongContext Route = "long_context"
	RouteMultimodal  Route = "multimodal"
	RouteTranslation Route = "translation"
)

// Routes lists every backend route in classifier priority order, factual last.
var Routes = []Route{RouteMultimodal, RouteLongContext, RouteTranslation, RouteFactual}

// Valid reports whether r is a known route.
func (r Route) Valid() bool {
	switch r {
	case RouteFactual, RouteLongContext, RouteMultimodal, RouteTranslation:
		return true
	}
	return false
}

// BypassesRetrieval reports whether the route answers without evidence.
func (r Route) BypassesRetrieval() bool {
	return r == RouteTranslation
}

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// LanguageAuto asks the session manager to detect the query language.
const LanguageAuto = "auto"

// DateRange restricts evidence by publish date. Zero bounds are open.
type DateRange struct {
	From time.Time `json:"from,omitempty" yaml:"from,omitempty"`
	To   time.Time `json:"to,omitempty" yaml:"to,omitempty"`
}

// IsZero reports whether neither bound is set.
func (d DateRange) IsZero() bool {
	return d.From.IsZero() && d.To.IsZero()
}

// Contains reports whether t falls inside the range.
func (d DateRange) Contains(t time.Time) bool {
	if !d.From.IsZero() && t.Before(d.From) {
		return false
	}
	if !d.To.IsZero() && t.After(d.To) {
		return false
	}
	return true
}

// Filters are the structured constraints attached to a query.
type Filters struct {
	Sources        []string  `json:"sources,omitempty"`
	ContentTypes   []string  `json:"content_types,omitempty"`
	DateRange      DateRange `json:"date_range,omitempty"`
	RouteHint      Route     `json:"route_hint,omitempty"`
	TargetLanguage string    `json:"target_language,omitempty"`
}

// NormalizeContentType folds a content type to the form stored in the
// index: trimmed and lowercased.
func NormalizeContentType(ct string) string {
	return strings.ToLower(strings.TrimSpace(ct))
}

// Normalized returns a copy of f with content types folded and deduplicated.
func (f Filters) Normalized() Filters {
	if len(f.ContentTypes) == 0 {
		return f
	}
	seen := make(map[string]struct{}, len(f.ContentTypes))
	types := make([]string, 0, len(f.ContentTypes))
	for _, ct := range f.ContentTypes {
		ct = NormalizeContentType(ct)
		if ct == "" {
			continue
		}
		if _, ok := seen[ct]; ok {
			continue
		}
		seen[ct] = struct{}{}
		types = append(types, ct)
	}
	f.ContentTypes = types
	return f
}

// Attachment is non-text content sent along with the query.
type Attachment struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type"`
}

// Query is an inbound user question. Immutable once received.
type Query struct {
	Text        string       `json:"text"`
	Language    string       `json:"language"`
	Filters     Filters      `json:"filters"`
	Attachments []Attachment `json:"attachments,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	RequestID   string       `json:"request_id,omitempty"`
	Role        string       `json:"role,omitempty"`
	TopK        int          `json:"top_k,omitempty"`
}

// Turn is a single conversational exchange entry owned by a Session.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Route     Route     `json:"route,omitempty"`
	Tokens    int       `json:"tokens"`
}

// Session is per-conversation state.
type Session struct {
	ID           string    `json:"session_id"`
	Turns        []Turn    `json:"turns"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	TokenCount   int       `json:"token_count"`
	Language     string    `json:"language,omitempty"`
	// Version counts stored writes; stores compare it before replacing.
	Version int64 `json:"version"`
}

// Clone returns a deep copy safe to hand out to callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Turns = append([]Turn(nil), s.Turns...)
	return &out
}

// Recent returns up to n most recent turns, oldest first.
func (s *Session) Recent(n int) []Turn {
	if s == nil || n <= 0 {
		return nil
	}
	if len(s.Turns) <= n {
		return append([]Turn(nil), s.Turns...)
	}
	return append([]Turn(nil), s.Turns[len(s.Turns)-n:]...)
}

// Provenance describes where an evidence snippet came from.
type Provenance struct {
	Site        string    `json:"site,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// EvidenceItem is one scored snippet produced by a retrieval call.
type EvidenceItem struct {
	ID          string     `json:"id"`
	SourceID    string     `json:"source_id"`
	Snippet     string     `json:"snippet"`
	DenseScore  float64    `json:"dense_score"`
	SparseScore float64    `json:"sparse_score"`
	FusedScore  float64    `json:"fused_score"`
	RerankScore float64    `json:"rerank_score"`
	Provenance  Provenance `json:"provenance"`
}

// SourceIDs returns the distinct source ids referenced by items.
func SourceIDs(items []EvidenceItem) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it.SourceID == "" {
			continue
		}
		if _, ok := seen[it.SourceID]; ok {
			continue
		}
		seen[it.SourceID] = struct{}{}
		out = append(out, it.SourceID)
	}
	return out
}

// CloneEvidence copies an evidence slice.
func CloneEvidence(in []EvidenceItem) []EvidenceItem {
	if len(in) == 0 {
		return nil
	}
	return append([]EvidenceItem(nil), in...)
}

// RouteDecision records why a route was chosen.
type RouteDecision struct {
	Route    Route              `json:"route"`
	Signals  map[string]float64 `json:"signals"`
	Reason   string             `json:"reason"`
	Sequence uint64             `json:"sequence"`
}

// GuardrailFlag marks a content-safety or topic-scope violation reported by a backend.
type GuardrailFlag string

const (
	FlagOutOfDomain   GuardrailFlag = "out_of_domain"
	FlagUnsafe        GuardrailFlag = "unsafe_content"
	FlagContradiction GuardrailFlag = "contradiction"
)

// Outcome is the Confidence Gate verdict.
type Outcome string

const (
	OutcomeAccept   Outcome = "accept"
	OutcomeFallback Outcome = "fallback"
)

// CachePayload is what a cache entry stores: an evidence set, an answer, or both.
type CachePayload struct {
	Evidence            []EvidenceItem    `json:"evidence,omitempty"`
	RetrievalConfidence float64           `json:"retrieval_confidence"`
	Answer              *ResponseEnvelope `json:"answer,omitempty"`
}

// SourceIDs returns the sources referenced by the payload.
func (p CachePayload) SourceIDs() []string {
	if p.Answer != nil && len(p.Evidence) == 0 {
		return SourceIDs(p.Answer.Evidence)
	}
	return SourceIDs(p.Evidence)
}

// CacheEntry is a fingerprinted, TTL-bound payload.
type CacheEntry struct {
	Fingerprint string        `json:"fingerprint"`
	Payload     CachePayload  `json:"payload"`
	CreatedAt   time.Time     `json:"created_at"`
	TTL         time.Duration `json:"ttl"`
	Valid       bool          `json:"valid"`
}

// Expired reports whether the entry is past its TTL at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && !now.Before(e.CreatedAt.Add(e.TTL))
}

// ResponseEnvelope is the final answer emitted once per query.
type ResponseEnvelope struct {
	RequestID  string         `json:"request_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Answer     string         `json:"answer"`
	Language   string         `json:"language"`
	Confidence float64        `json:"confidence"`
	Evidence   []EvidenceItem `json:"evidence"`
	CacheHit   bool           `json:"cache_hit"`
	Route      Route          `json:"route"`
	Outcome    Outcome        `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
}
