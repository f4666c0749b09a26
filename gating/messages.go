package gating

import (
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/language"
)

var builtinMessages = map[string]string{
	"en": "I'm sorry, I can't give you a reliable answer to this question. It has been passed on to a member of our team, who will follow up with you.",
	"zh": "抱歉，我无法为这个问题提供可靠的回答。您的问题已转交给我们的工作人员，他们会尽快与您联系。",
	"fr": "Désolé, je ne peux pas fournir de réponse fiable à cette question. Elle a été transmise à un membre de notre équipe qui reviendra vers vous.",
	"de": "Es tut mir leid, ich kann auf diese Frage keine verlässliche Antwort geben. Sie wurde an ein Teammitglied weitergeleitet, das sich bei Ihnen melden wird.",
	"es": "Lo siento, no puedo dar una respuesta fiable a esta pregunta. Se ha enviado a un miembro de nuestro equipo, que se pondrá en contacto con usted.",
	"ja": "申し訳ありませんが、この質問には確かな回答ができません。担当者に引き継ぎましたので、追ってご連絡いたします。",
}

// Messages resolves fixed fallback texts by base language.
type Messages struct {
	def  string
	text map[string]string
}

// NewMessages merges overrides over the built-in texts. An unknown default
// language falls back to English.
func NewMessages(defaultLang string, overrides map[string]string) *Messages {
	m := &Messages{text: make(map[string]string, len(builtinMessages)+len(overrides))}
	for k, v := range builtinMessages {
		m.text[k] = v
	}
	for k, v := range overrides {
		if base, err := language.Normalize(k); err == nil && v != "" {
			m.text[base] = v
		}
	}
	m.def = "en"
	if base, err := language.Normalize(defaultLang); err == nil {
		if _, ok := m.text[base]; ok {
			m.def = base
		}
	}
	return m
}

// Resolve returns the language whose message For(lang) yields.
func (m *Messages) Resolve(lang string) string {
	if base, err := language.Normalize(lang); err == nil {
		if _, ok := m.text[base]; ok {
			return base
		}
	}
	return m.def
}

// For returns the fallback text for lang.
func (m *Messages) For(lang string) string {
	return m.text[m.Resolve(lang)]
}
