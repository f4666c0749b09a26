package language

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	cases := map[string]string{
		"What is the capital of France?":   "en",
		"Quelle est la capitale de la France ?": "fr",
		"Was ist die Hauptstadt von Frankreich?": "de",
		"¿Cuál es la capital de Francia?":  "es",
		"法国的首都是哪里":                   "zh",
		"フランスの首都はどこですか":             "ja",
		"프랑스의 수도는 어디입니까":            "ko",
		"Какая столица Франции?":           "ru",
	}
	for text, want := range cases {
		assert.Equal(t, want, Detect(text, "en"), text)
	}
	assert.Equal(t, "en", Detect("12345 ???", "en"))
}

func TestNormalize(t *testing.T) {
	got, err := Normalize("en-US")
	require.NoError(t, err)
	assert.Equal(t, "en", got)

	got, err = Normalize("zh-Hans-CN")
	require.NoError(t, err)
	assert.Equal(t, "zh", got)

	_, err = Normalize("not a tag!")
	assert.Error(t, err)
	_, err = Normalize("")
	assert.Error(t, err)
}
