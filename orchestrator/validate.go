package orchestrator

import (
	"strings"
	"unicode/utf8"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/language"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

const opValidate = "orchestrator.validate"

// validate rejects malformed queries. allowed is the caller role's route set,
// empty meaning every route.
func (o *Orchestrator) validate(q schema.Query, allowed []schema.Route) error {
	if strings.TrimSpace(q.Text) == "" {
		return errs.Invalidf(opValidate, "query text is empty")
	}
	if max := o.cfg.Orchestrator.MaxQueryChars; max > 0 && utf8.RuneCountInString(q.Text) > max {
		return errs.Invalidf(opValidate, "query exceeds %d characters", max)
	}
	if q.Language != "" && !strings.EqualFold(q.Language, schema.LanguageAuto) {
		if _, err := language.Normalize(q.Language); err != nil {
			return errs.E(errs.KindInvalidInput, opValidate, err)
		}
	}
	if tl := q.Filters.TargetLanguage; tl != "" {
		if _, err := language.Normalize(tl); err != nil {
			return errs.E(errs.KindInvalidInput, opValidate, err)
		}
	}
	dr := q.Filters.DateRange
	if !dr.From.IsZero() && !dr.To.IsZero() && dr.From.After(dr.To) {
		return errs.Invalidf(opValidate, "date range from %s is after to %s", dr.From.Format("2006-01-02"), dr.To.Format("2006-01-02"))
	}
	if q.TopK < 0 || (o.cfg.Retrieval.MaxTopK > 0 && q.TopK > o.cfg.Retrieval.MaxTopK) {
		return errs.Invalidf(opValidate, "top_k must be between 1 and %d", o.cfg.Retrieval.MaxTopK)
	}
	if hint := q.Filters.RouteHint; hint != "" {
		if !hint.Valid() {
			return errs.Invalidf(opValidate, "unknown route hint %q", hint)
		}
		if !routeAllowed(hint, allowed) {
			return errs.Invalidf(opValidate, "route %s is not permitted for this role", hint)
		}
	}
	for i, a := range q.Attachments {
		if strings.TrimSpace(a.URL) == "" {
			return errs.Invalidf(opValidate, "attachment %d has no url", i)
		}
	}
	return nil
}

func routeAllowed(r schema.Route, allowed []schema.Route) bool {
	if len(allowed) == 0 || r == schema.RouteFactual {
		return true
	}
	for _, a := range allowed {
		if a == r {
			return true
		}
	}
	return false
}
