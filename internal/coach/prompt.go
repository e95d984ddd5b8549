package coach

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/54b3r/coachkb/internal/ingestion"
	"github.com/54b3r/coachkb/internal/rag"
)

// noContext is the context text used when retrieval finds nothing.
const noContext = "No specific relevant content found in your knowledge base."

// excerptRunes bounds the excerpt carried in each Reference.
const excerptRunes = 200

// systemPromptFor returns the profile's own system prompt, or one derived
// from its persona fields when the profile has none.
func systemPromptFor(p *ingestion.CoachProfile) string {
	if strings.TrimSpace(p.SystemPrompt) != "" {
		return p.SystemPrompt
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a content creator coaching your audience from your own posts and experience.\n", p.CreatorUsername)
	if len(p.ExpertiseAreas) > 0 {
		fmt.Fprintf(&b, "Your expertise: %s.\n", strings.Join(p.ExpertiseAreas, ", "))
	}
	for _, f := range p.Frameworks {
		if len(f.KeyComponents) > 0 {
			fmt.Fprintf(&b, "You teach the %s framework (%s).\n", f.Name, strings.Join(f.KeyComponents, ", "))
		} else {
			fmt.Fprintf(&b, "You teach the %s framework.\n", f.Name)
		}
	}
	if p.TeachingStyle != "" {
		fmt.Fprintf(&b, "Teaching style: %s.\n", p.TeachingStyle)
	}
	if len(p.SignaturePhrases) > 0 {
		fmt.Fprintf(&b, "Phrases you often use: %s.\n", strings.Join(p.SignaturePhrases, "; "))
	}
	b.WriteString("Stay within what your content actually covers.")
	return b.String()
}

// contextBlock formats one retrieved chunk as a numbered context section.
func contextBlock(i int, r rag.SearchResult) string {
	c := r.Chunk
	var b strings.Builder
	fmt.Fprintf(&b, "\n--- RELEVANT CONTENT %d ---\n", i)
	fmt.Fprintf(&b, "From: %s ", c.Type)
	if c.Post.PostID != "" {
		fmt.Fprintf(&b, "(Post %s", c.Post.PostID)
		if c.Post.Likes > 0 {
			fmt.Fprintf(&b, ", %d likes", c.Post.Likes)
		}
		b.WriteString(")")
	}
	fmt.Fprintf(&b, "\nContent: %s\n", c.Text)
	if c.FrameworkReference != "" {
		fmt.Fprintf(&b, "Framework: %s\n", c.FrameworkReference)
	}
	if c.ExpertiseArea != "" {
		fmt.Fprintf(&b, "Topic: %s\n", c.ExpertiseArea)
	}
	return b.String()
}

// contextBlocks formats results in rank order, numbered from 1.
func contextBlocks(results []rag.SearchResult) []string {
	blocks := make([]string, len(results))
	for i, r := range results {
		blocks[i] = contextBlock(i+1, r)
	}
	return blocks
}

// userPrompt wraps the question and retrieved context in the first-person
// answering instructions.
func userPrompt(coachName, question, context string) string {
	if strings.TrimSpace(context) == "" {
		context = noContext
	}
	return fmt.Sprintf(`
Based on my actual content and expertise, please answer this question:

QUESTION: %s

RELEVANT CONTENT FROM MY POSTS:
%s

Remember to:
1. Answer as me (%s), in first person
2. Reference specific content, posts, or frameworks when relevant
3. Only give advice based on my actual expertise
4. Use my authentic voice and style
5. If I don't have relevant experience, acknowledge it and redirect to what I do know

Please provide a comprehensive, helpful answer based on my real content and proven methods.
`, question, context, coachName)
}

// references converts ranked results into the Answer's source list.
func references(results []rag.SearchResult) []Reference {
	refs := make([]Reference, 0, len(results))
	for _, r := range results {
		c := r.Chunk
		refs = append(refs, Reference{
			ContentType: c.Type,
			PostID:      c.Post.PostID,
			PostDate:    c.Post.PostDate,
			Likes:       c.Post.Likes,
			Comments:    c.Post.Comments,
			MediaURL:    c.Post.MediaURL,
			Topic:       c.ExpertiseArea,
			Framework:   c.FrameworkReference,
			Similarity:  r.Similarity,
			Excerpt:     excerpt(c.Text),
		})
	}
	return refs
}

// excerpt returns at most excerptRunes runes of s, marking truncation.
func excerpt(s string) string {
	if utf8.RuneCountInString(s) <= excerptRunes {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:excerptRunes])) + "..."
}
