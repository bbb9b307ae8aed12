// Package speech turns text into spoken MP3 audio.
package speech

import (
	"strings"

	"github.com/abadojack/whatlanggo"
)

// FallbackLanguage is used when detection is unreliable or the detected
// language cannot be synthesized.
const FallbackLanguage = "en"

// supported lists the ISO 639-1 codes the TTS endpoint can voice.
var supported = map[string]bool{
	"af": true, "ar": true, "bg": true, "bn": true, "bs": true, "ca": true,
	"cs": true, "cy": true, "da": true, "de": true, "el": true, "en": true,
	"eo": true, "es": true, "et": true, "fi": true, "fr": true, "gu": true,
	"hi": true, "hr": true, "hu": true, "hy": true, "id": true, "is": true,
	"it": true, "iw": true, "ja": true, "jw": true, "km": true, "kn": true,
	"ko": true, "la": true, "lv": true, "mk": true, "ml": true, "mr": true,
	"ms": true, "my": true, "ne": true, "nl": true, "no": true, "pl": true,
	"pt": true, "ro": true, "ru": true, "si": true, "sk": true, "sq": true,
	"sr": true, "su": true, "sv": true, "sw": true, "ta": true, "te": true,
	"th": true, "tl": true, "tr": true, "uk": true, "ur": true, "vi": true,
	"zh": true,
}

// Supported reports whether lang can be synthesized.
func Supported(lang string) bool {
	return supported[lang]
}

// DetectLanguage guesses the ISO 639-1 code of text.
func DetectLanguage(text string) string {
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return FallbackLanguage
	}
	lang := strings.ToLower(info.Lang.Iso6391())
	// The endpoint still uses the legacy code for Hebrew.
	if lang == "he" {
		lang = "iw"
	}
	if !Supported(lang) {
		return FallbackLanguage
	}
	return lang
}
