package ingestion

import (
	"strings"
)

// Quality heuristic weights and thresholds.
const (
	lengthBonus      = 0.3
	minSweetWords    = 15
	maxSweetWords    = 150
	highLikesBonus   = 0.4
	mediumLikesBonus = 0.2
	questionBonus    = 0.1
	actionableBonus  = 0.2

	// HighLikes is the like count above which a post counts as viral.
	HighLikes = 1000
	// MediumLikes is the like count above which a post gets the smaller boost.
	MediumLikes = 500
	// HighEngagementRate is the engagement rate above which a post is
	// promoted to a high-value chunk regardless of likes.
	HighEngagementRate = 500
)

// actionableMarkers flag instructional content.
var actionableMarkers = []string{"how to", "tip", "strategy", "step"}

// ScoreQuality rates a chunk fragment in [0,1] from its length, the post's
// engagement and the presence of questions or actionable advice.
func ScoreQuality(text string, post Post) float64 {
	score := 0.0

	if words := len(strings.Fields(text)); words >= minSweetWords && words <= maxSweetWords {
		score += lengthBonus
	}

	switch {
	case post.Likes > HighLikes:
		score += highLikesBonus
	case post.Likes > MediumLikes:
		score += mediumLikesBonus
	}

	if strings.Contains(text, "?") {
		score += questionBonus
	}

	lower := strings.ToLower(text)
	for _, marker := range actionableMarkers {
		if strings.Contains(lower, marker) {
			score += actionableBonus
			break
		}
	}

	return min(score, 1.0)
}

// isHighValue reports whether a post qualifies for a whole-text chunk.
func isHighValue(p Post) bool {
	return p.Likes > HighLikes || p.EngagementRate > HighEngagementRate
}
