package composition

import (
	"fmt"
	"sort"
	"strings"
)

// basePrompt frames every template.
const basePrompt = "You are designing a YouTube thumbnail. Keep the provided people looking like their references." +
	" Place them side by side, shoulders-up, facing camera, slight inward tilt, warm approachable expression," +
	" remove headphones/earbuds/hats. Faces should be large and fill the left/right thirds; crop at shoulders/chest." +
	" Use a clean background appropriate to the chosen template. Add the exact title text provided; choose 1-2" +
	" important words to highlight with a red box and white text; ensure legibility on mobile." +
	" No extra stickers, no watermarks, no logos. 16:9 composition, polished and professional."

var templates = map[string]string{
	"diary_ceo": "Two speakers side by side, slight inward head tilt, warm/approachable expressions." +
		" Large close-up framing: faces should occupy most of the left/right thirds; crop at shoulders/chest" +
		" similar to Diary of a CEO thumbnails. Dark/black backdrop with soft vignette." +
		" Bold white title centered at top; pick 1-2 key words to highlight in red box with white text." +
		" No 'NEW' badge. No headphones/earbuds/hats.",
	"clean_two_up": "Two-up interview layout, neutral gradient background, evenly lit faces, bold sans title with high contrast.",
}

// Templates lists the known template IDs in sorted order.
func Templates() []string {
	ids := make([]string, 0, len(templates))
	for id := range templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// KnownTemplate reports whether id names a template.
func KnownTemplate(id string) bool {
	_, ok := templates[id]
	return ok
}

// Prompt renders the full instruction for template and title text.
func Prompt(template, text string) (string, error) {
	style, ok := templates[template]
	if !ok {
		return "", fmt.Errorf("unknown template %q (known: %s)", template, strings.Join(Templates(), ", "))
	}
	return fmt.Sprintf("%s %s Title text to render: %q."+
		" Place the title cleanly and ensure both people remain clear and unoccluded.", basePrompt, style, text), nil
}
