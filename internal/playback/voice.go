package playback

import (
	"strings"

	"viva/voiceloop/internal/platform"
)

// Names of common female voices shipped by browsers and operating systems.
var femaleVoiceHints = []string{
	"female", "feminina", "francisca", "maria", "luciana", "fernanda",
	"vitoria", "vitória", "thalita", "leila", "raquel", "helena", "joana",
}

func isFemale(v platform.Voice) bool {
	n := strings.ToLower(v.Name)
	for _, hint := range femaleVoiceHints {
		if strings.Contains(n, hint) {
			return true
		}
	}
	return false
}

func langFamily(tag string) string {
	tag = strings.ToLower(strings.ReplaceAll(tag, "_", "-"))
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		return tag[:i]
	}
	return tag
}

// PickVoice chooses a local female voice for the locale's language, then any
// voice of that language (exact locale first), then the platform default.
// ok is false when nothing suitable was enumerated.
func PickVoice(voices []platform.Voice, locale string) (platform.Voice, bool) {
	fam := langFamily(locale)
	var sameLang, exact, def *platform.Voice
	for i := range voices {
		v := &voices[i]
		if langFamily(v.Lang) == fam {
			if v.Local && isFemale(*v) {
				return *v, true
			}
			if exact == nil && strings.EqualFold(strings.ReplaceAll(v.Lang, "_", "-"), locale) {
				exact = v
			}
			if sameLang == nil {
				sameLang = v
			}
		}
		if def == nil && v.Default {
			def = v
		}
	}
	switch {
	case exact != nil:
		return *exact, true
	case sameLang != nil:
		return *sameLang, true
	case def != nil:
		return *def, true
	}
	return platform.Voice{}, false
}
