package backend

import (
	"fmt"
	"strings"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// OutOfScopeMarker is what a model is told to answer when the evidence does
// not cover the question. A reply carrying it raises FlagOutOfDomain.
const OutOfScopeMarker = "[[OUT_OF_SCOPE]]"

const groundedSystemPrompt = `You answer questions using only the numbered evidence provided.
Cite the evidence you rely on with its number in square brackets, e.g. [1].
If the evidence does not contain the answer, reply with exactly ` + OutOfScopeMarker + ` and nothing else.
Answer in the language with code %q.`

const translationSystemPrompt = `You are a professional translator. Translate the user's text into the language with code %q.
Reply with the translation only.`

// SystemPrompt returns the instructions for req's route.
func SystemPrompt(req Request) string {
	if req.Route == schema.RouteTranslation {
		return fmt.Sprintf(translationSystemPrompt, req.TargetLanguage)
	}
	lang := req.Language
	if lang == "" {
		lang = "en"
	}
	return fmt.Sprintf(groundedSystemPrompt, lang)
}

// UserPrompt renders history, evidence and the question into one message.
func UserPrompt(req Request) string {
	if req.Route == schema.RouteTranslation {
		return req.Query
	}
	var b strings.Builder
	if len(req.History) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range req.History {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("Evidence:\n")
	if len(req.Evidence) == 0 {
		b.WriteString("(none)\n")
	}
	for i, e := range req.Evidence {
		fmt.Fprintf(&b, "[%d] (source: %s) %s\n", i+1, e.SourceID, strings.TrimSpace(e.Snippet))
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(req.Query)
	return b.String()
}

// flagsFromText detects guardrail markers in generated text.
func flagsFromText(text string) []schema.GuardrailFlag {
	if strings.Contains(text, OutOfScopeMarker) {
		return []schema.GuardrailFlag{schema.FlagOutOfDomain}
	}
	return nil
}
