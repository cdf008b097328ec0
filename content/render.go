package content

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"go.opentelemetry.io/otel"

	"github.com/concrnt/apnode/types"
)

var tracer = otel.Tracer("content")

var (
	mentionPattern = regexp.MustCompile(`(^|\s)@([\w.-]+)@([\w-]+(?:\.[\w-]+)*(?::\d+)?)`)
	hashtagPattern = regexp.MustCompile(`(^|\s)#([\p{L}\p{N}_]+)`)
)

// MentionResolver maps @user@host to an actor id.
type MentionResolver func(ctx context.Context, handle string) (string, error)

// Rendered is a local post turned into federated HTML.
type Rendered struct {
	HTML     string
	Tags     []types.Tag
	Mentions []string
}

// Render converts markdown source to HTML, linking mentions and hashtags.
// Mentions that fail to resolve are left as plain text.
func Render(ctx context.Context, source string, resolve MentionResolver, config types.ApConfig) Rendered {
	ctx, span := tracer.Start(ctx, "Content.Render")
	defer span.End()

	var rendered Rendered

	resolved := map[string]string{}
	for _, match := range mentionPattern.FindAllStringSubmatch(source, -1) {
		handle := "@" + match[2] + "@" + match[3]
		if _, ok := resolved[handle]; ok {
			continue
		}
		id, err := resolve(ctx, handle)
		if err != nil {
			span.RecordError(err)
			resolved[handle] = ""
			continue
		}
		resolved[handle] = id
		rendered.Mentions = append(rendered.Mentions, id)
		rendered.Tags = append(rendered.Tags, types.Tag{Type: "Mention", Name: handle, Href: id})
	}

	text := replaceMatches(mentionPattern, source, func(groups []string) string {
		handle := "@" + groups[2] + "@" + groups[3]
		if id := resolved[handle]; id != "" {
			return groups[1] + "[" + handle + "](" + id + ")"
		}
		return groups[0]
	})

	seen := map[string]bool{}
	text = replaceMatches(hashtagPattern, text, func(groups []string) string {
		tag := groups[2]
		href := config.BaseURL() + "/t/" + url.PathEscape(strings.ToLower(tag))
		if !seen[strings.ToLower(tag)] {
			seen[strings.ToLower(tag)] = true
			rendered.Tags = append(rendered.Tags, types.Tag{Type: "Hashtag", Name: "#" + tag, Href: href})
		}
		return groups[1] + "[#" + tag + "](" + href + ")"
	})

	rendered.HTML = toHTML(text)
	return rendered
}

func toHTML(text string) string {
	extensions := parser.CommonExtensions | parser.NoEmptyLineBeforeBlock
	p := parser.NewWithExtensions(extensions)
	doc := p.Parse([]byte(text))

	htmlFlags := html.CommonFlags
	opts := html.RendererOptions{Flags: htmlFlags}
	renderer := html.NewRenderer(opts)

	return strings.Trim(string(markdown.Render(doc, renderer)), "\n")
}

func replaceMatches(re *regexp.Regexp, s string, fn func(groups []string) string) string {
	var b strings.Builder
	last := 0
	for _, loc := range re.FindAllStringSubmatchIndex(s, -1) {
		b.WriteString(s[last:loc[0]])
		groups := make([]string, len(loc)/2)
		for i := range groups {
			if loc[2*i] >= 0 {
				groups[i] = s[loc[2*i]:loc[2*i+1]]
			}
		}
		b.WriteString(fn(groups))
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String()
}
