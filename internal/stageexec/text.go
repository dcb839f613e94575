package stageexec

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const maxKeywords = 3

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"of": true, "to": true, "in": true, "on": true, "at": true, "for": true,
	"with": true, "by": true, "from": true, "is": true, "are": true, "was": true,
	"be": true, "it": true, "my": true, "your": true, "our": true, "i": true,
	"we": true, "you": true, "me": true, "this": true, "that": true,
}

var fold = cases.Fold()

// extractKeywords returns up to three of the longest non-stopwords of phrase,
// case-folded with punctuation removed. Ties keep phrase order.
func extractKeywords(phrase string) []string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '_' {
			return r
		}
		return -1
	}, fold.String(phrase))

	var words []string
	for _, w := range strings.Fields(clean) {
		if !stopwords[w] && !slices.Contains(words, w) {
			words = append(words, w)
		}
	}
	slices.SortStableFunc(words, func(a, b string) int {
		return len([]rune(b)) - len([]rune(a))
	})
	if len(words) > maxKeywords {
		words = words[:maxKeywords]
	}
	return words
}

// titleCase capitalizes each word of a display name.
func titleCase(s string) string {
	return cases.Title(language.Und).String(strings.TrimSpace(s))
}

// slugify lowercases s and joins its alphanumeric runs with hyphens.
func slugify(s string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range fold.String(s) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		default:
			pendingDash = true
		}
	}
	return b.String()
}

func fallbackLyrics(phrase, emotion, genre string) string {
	return fmt.Sprintf(`VERSE 1
%[1]s
Words that echo in my mind
Feelings of %[2]s I cannot hide
In the rhythm of %[3]s that keeps me alive

PRE-CHORUS
And now I'm going to sing
What my heart wants to say

CHORUS
%[1]s
That's what keeps me going
%[1]s
That's what makes me feel

VERSE 2
Every word has a meaning
Every note an emotion
On this road I chose
I find my direction

FINAL CHORUS
%[1]s
That's what keeps me going
%[1]s
That's what makes me feel
`, phrase, emotion, genre)
}

const fallbackScreenplay = `SHORT FILM SCREENPLAY

TITLE: "JOURNEY"

ACT 1: INTRODUCTION
------------------

FADE IN:

EXT. PARK - DAY

We meet our PROTAGONIST sitting alone on a bench, contemplating life.

ACT 2: CONFLICT
--------------

EXT. FOREST PATH - DAY

The protagonist navigates through a challenging path, facing obstacles that represent their inner struggles.

ACT 3: RESOLUTION
----------------

EXT. CLEARING - SUNSET

The protagonist emerges from the forest into a beautiful clearing, finding peace and resolution.

FADE OUT.

THE END
`

// Scene is one storyboard entry.
type Scene struct {
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

const maxScenes = 5

// parseScenes extracts scenes from the INT./EXT. headings of a screenplay.
// A scene's description is the text up to the next heading or act marker.
func parseScenes(screenplay string) []Scene {
	var scenes []Scene
	var current *Scene
	var desc []string

	flush := func() {
		if current == nil {
			return
		}
		current.Description = strings.Join(desc, " ")
		scenes = append(scenes, *current)
		current, desc = nil, nil
	}

	for _, line := range strings.Split(screenplay, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case isSceneHeading(line):
			flush()
			if len(scenes) == maxScenes {
				return scenes
			}
			current = &Scene{Index: len(scenes) + 1, Title: line}
		case current == nil, line == "":
		case strings.HasPrefix(line, "ACT "), strings.HasPrefix(line, "FADE "), line == "THE END", strings.Trim(line, "-") == "":
			flush()
		default:
			desc = append(desc, line)
		}
	}
	flush()
	return scenes
}

func isSceneHeading(line string) bool {
	return strings.HasPrefix(line, "INT.") || strings.HasPrefix(line, "EXT.") || strings.HasPrefix(line, "INT/EXT.")
}

var fallbackScenes = []Scene{
	{Index: 1, Title: "ACT 1: INTRODUCTION", Description: "Character introduction scene"},
	{Index: 2, Title: "ACT 2: CONFLICT", Description: "Main conflict scene"},
	{Index: 3, Title: "ACT 3: RESOLUTION", Description: "Resolution scene"},
}
