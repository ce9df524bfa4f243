package triage

import (
	"fmt"
	"strings"
	"time"

	"email-triage/internal/config"
	"email-triage/internal/models"
)

// Weights drive the rule scorer. The defaults keep a fresh, urgent,
// provider-flagged email comfortably inside the high tier without AI.
type Weights struct {
	Base      float64
	Urgency   float64
	Marketing float64 // subtracted
	VIP       float64
	Important float64
	Starred   float64
	Unread    float64
	Recency   float64 // max subtracted for stale mail
	StaleAge  time.Duration
}

// DefaultWeights returns the standard signal weights.
func DefaultWeights() Weights {
	return Weights{
		Base:      30,
		Urgency:   30,
		Marketing: 30,
		VIP:       15,
		Important: 20,
		Starred:   10,
		Unread:    5,
		Recency:   15,
		StaleAge:  72 * time.Hour,
	}
}

var urgencyKeywords = []string{
	"urgent", "asap", "immediately", "action required", "deadline",
	"overdue", "final notice", "critical", "time sensitive",
}

var marketingKeywords = []string{
	"unsubscribe", "newsletter", "% off", "sale ends", "limited time",
	"special offer", "promo code",
}

var marketingSenders = []string{
	"no-reply", "noreply", "newsletter", "marketing", "promotions",
}

// RuleScorer computes the cheap, deterministic phase-one score. It is a
// pure function of the email, the clock, and an optional VIP lookup.
type RuleScorer struct {
	weights Weights
	isVIP   func(subjectID, sender string) bool
	now     func() time.Time
}

// NewRuleScorer builds a scorer. isVIP may be nil.
func NewRuleScorer(w Weights, isVIP func(subjectID, sender string) bool) *RuleScorer {
	return &RuleScorer{weights: w, isVIP: isVIP, now: time.Now}
}

// WithClock injects a time source for tests.
func (rs *RuleScorer) WithClock(now func() time.Time) *RuleScorer {
	rs.now = now
	return rs
}

// Score returns the rule score in [0,100] and the signals that fired.
func (rs *RuleScorer) Score(email models.EmailMessage) (float64, []string) {
	w := rs.weights
	score := w.Base
	var reasons []string

	subject := strings.ToLower(email.Subject)
	body := strings.ToLower(email.Body)
	sender := strings.ToLower(email.Sender)

	if containsAny(subject, urgencyKeywords) || containsAny(body, urgencyKeywords) {
		score += w.Urgency
		reasons = append(reasons, "urgency keywords")
	}
	if containsAny(subject, marketingKeywords) || containsAny(body, marketingKeywords) || containsAny(sender, marketingSenders) || hasLabel(email, "CATEGORY_PROMOTIONS") {
		score -= w.Marketing
		reasons = append(reasons, "marketing pattern")
	}
	if rs.isVIP != nil && rs.isVIP(email.SubjectID, email.Sender) {
		score += w.VIP
		reasons = append(reasons, "vip sender")
	}
	if email.Important {
		score += w.Important
		reasons = append(reasons, "flagged important")
	}
	if email.Starred {
		score += w.Starred
		reasons = append(reasons, "starred")
	}
	if email.Unread {
		score += w.Unread
		reasons = append(reasons, "unread")
	}

	if !email.ReceivedAt.IsZero() && w.StaleAge > 0 {
		age := rs.now().Sub(email.ReceivedAt)
		if age > 0 {
			decay := w.Recency * float64(age) / float64(w.StaleAge)
			if decay > w.Recency {
				decay = w.Recency
			}
			if decay > 0.5 {
				score -= decay
				reasons = append(reasons, fmt.Sprintf("age %s", age.Round(time.Hour)))
			}
		}
	}

	return clamp(score, 0, 100), reasons
}

// Blend combines the rule score with an optional AI score. FinalScore is
// always derivable from the rule score alone: AI is an enhancement,
// never a hard dependency.
func Blend(ruleScore float64, aiScore *float64, cfg config.Config) float64 {
	if aiScore == nil {
		return ruleScore
	}
	blended := ruleScore*cfg.ScoreRuleWeight + *aiScore*cfg.AIScoreScale*cfg.ScoreAIWeight
	return clamp(blended, 0, 100)
}

// TierFor buckets a blended score. Thresholds come from configuration
// and must stay ordered medium < high.
func TierFor(score float64, t config.TriageSettings) models.Tier {
	switch {
	case score >= t.TierHighMin:
		return models.TierHigh
	case score >= t.TierMediumMin:
		return models.TierMedium
	default:
		return models.TierLow
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func hasLabel(email models.EmailMessage, label string) bool {
	for _, l := range email.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
