package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/language"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/tokenizer"
)

// RouteRetrieval keys the evidence tier, which is shared by every route that retrieves.
const RouteRetrieval = "retrieval"

// Key is the semantic content a fingerprint is derived from. Request
// metadata such as session or request ids is deliberately absent.
type Key struct {
	Text     string
	Language string
	Filters  schema.Filters
	Route    string
	TopK     int

	// Attachments are part of what is asked: the same text over a
	// different image is a different question.
	Attachments []schema.Attachment
}

// Fingerprint hashes the lowercased, whitespace-normalized query together
// with the sorted filter set, the language code and the route.
func (k Key) Fingerprint() string {
	var b strings.Builder
	b.WriteString("v1\n")
	b.WriteString("q=" + tokenizer.Normalize(k.Text) + "\n")
	b.WriteString("lang=" + normLang(k.Language) + "\n")
	b.WriteString("route=" + k.Route + "\n")
	b.WriteString("topk=" + strconv.Itoa(k.TopK) + "\n")
	b.WriteString("sources=" + sortedSet(k.Filters.Sources, false) + "\n")
	b.WriteString("types=" + sortedSet(k.Filters.ContentTypes, true) + "\n")
	b.WriteString("from=" + stamp(k.Filters.DateRange.From) + "\n")
	b.WriteString("to=" + stamp(k.Filters.DateRange.To) + "\n")
	b.WriteString("hint=" + string(k.Filters.RouteHint) + "\n")
	b.WriteString("target=" + normLang(k.Filters.TargetLanguage) + "\n")
	b.WriteString("attachments=" + attachmentSet(k.Attachments) + "\n")
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func normLang(tag string) string {
	if tag == "" {
		return ""
	}
	if base, err := language.Normalize(tag); err == nil {
		return base
	}
	return strings.ToLower(strings.TrimSpace(tag))
}

func sortedSet(in []string, fold bool) string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if fold {
			v = schema.NormalizeContentType(v)
		}
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return strings.Join(out, "\x1f")
}

// attachmentSet renders attachments order-independently as url|media type.
func attachmentSet(in []schema.Attachment) string {
	parts := make([]string, 0, len(in))
	for _, a := range in {
		parts = append(parts, strings.TrimSpace(a.URL)+"|"+schema.NormalizeContentType(a.MediaType))
	}
	return sortedSet(parts, false)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
