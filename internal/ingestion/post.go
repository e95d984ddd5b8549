// Package ingestion turns a creator's scraped posts into retrieval chunks.
// It tokenises captions and transcripts into fixed token windows, scores
// each fragment with a quality heuristic, promotes viral posts to whole
// high-value chunks and annotates chunks with the creator's vocabulary.
// This package is used by `coachkb build` and the build endpoint.
package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
)

// validate is shared; validator.Validate caches struct metadata and is
// safe for concurrent use.
var validate = validator.New()

// Post is one scraped social-media post. JSON names follow the scraper's
// export format.
type Post struct {
	PostID         string   `json:"post_id" validate:"required"`
	PostType       string   `json:"post_type" validate:"omitempty,oneof=image video carousel"`
	CaptionText    string   `json:"caption_text,omitempty"`
	Transcript     string   `json:"transcript,omitempty"`
	MediaURL       string   `json:"media_url,omitempty"`
	PostDate       string   `json:"post_date,omitempty"`
	Likes          int      `json:"likes" validate:"gte=0"`
	Comments       int      `json:"comments" validate:"gte=0"`
	Shares         int      `json:"shares,omitempty" validate:"gte=0"`
	Views          int      `json:"views,omitempty" validate:"gte=0"`
	EngagementRate float64  `json:"engagement_rate,omitempty" validate:"gte=0"`
	Hashtags       []string `json:"hashtags,omitempty"`
	Mentions       []string `json:"mentions,omitempty"`
	Duration       float64  `json:"duration,omitempty" validate:"gte=0"`
}

// Framework is a named teaching framework from a coach profile.
type Framework struct {
	Name          string   `json:"name"`
	KeyComponents []string `json:"key_components,omitempty"`
}

// CoachProfile describes a creator's teaching persona. It is used for
// descriptive tagging and prompting only; it never changes which chunks a
// post produces.
type CoachProfile struct {
	CreatorUsername  string      `json:"creator_username"`
	ExpertiseAreas   []string    `json:"expertise_areas,omitempty"`
	Frameworks       []Framework `json:"frameworks,omitempty"`
	TeachingStyle    string      `json:"teaching_style,omitempty"`
	SignaturePhrases []string    `json:"signature_phrases,omitempty"`
	SystemPrompt     string      `json:"system_prompt,omitempty"`
}

// ValidatePost checks the struct constraints on p and returns a readable
// error naming the offending fields.
func ValidatePost(p Post) error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			fields = append(fields, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("ingestion: invalid post %q: %s", p.PostID, strings.Join(fields, "; "))
}

// DecodePosts parses either a JSON array of posts or a single post object.
func DecodePosts(data []byte) ([]Post, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var posts []Post
		if err := json.Unmarshal(data, &posts); err != nil {
			return nil, fmt.Errorf("ingestion: decode posts: %w", err)
		}
		return posts, nil
	}
	var p Post
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("ingestion: decode post: %w", err)
	}
	return []Post{p}, nil
}

// LoadPosts reads every file matching the doublestar pattern (for example
// "exports/**/*.json") in lexical path order and concatenates their posts.
func LoadPosts(pattern string) ([]Post, []string, error) {
	paths, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("ingestion: bad posts pattern %q: %w", pattern, err)
	}
	slices.Sort(paths)

	var posts []Post
	files := paths[:0]
	for _, path := range paths {
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			continue
		}
		files = append(files, path)
	}

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("ingestion: read %s: %w", path, err)
		}
		batch, err := DecodePosts(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%w (file %s)", err, path)
		}
		posts = append(posts, batch...)
	}
	return posts, files, nil
}

// LoadProfile reads a coach profile from a JSON file. An empty path yields
// a nil profile.
func LoadProfile(path string) (*CoachProfile, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingestion: read profile: %w", err)
	}
	var p CoachProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("ingestion: decode profile %s: %w", path, err)
	}
	return &p, nil
}
