package orchestrator

import (
	"context"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ensemble-ai/ensemble/internal/memory"
	"github.com/ensemble-ai/ensemble/pkg/models"
)

// DefaultConsensusThreshold is the fraction of agents that must respond
// successfully for a consensus round to count.
const DefaultConsensusThreshold = 0.7

const (
	maxConsensusIterations = 5

	// A point is shared by consensus when at least this fraction of the
	// successful responses contain it.
	consensusPointFraction = 0.6

	// Agreement phrases in at least this fraction of responses end the
	// debate early.
	agreementExitFraction = 0.7

	keyPointsPerResponse = 3
	minKeyPointLength    = 20
	maxDivergentPoints   = 5
	maxViewpointChars    = 400
)

var agreementPhrases = []string{"agree", "consensus", "aligned", "same", "correct"}

// runConsensus drives agents toward a shared answer: parallel rounds,
// each followed by key-point extraction across the successful responses.
// Shared points reach consensus; otherwise the responses are folded into
// a combined-viewpoint prompt and the group tries again. Too few
// successes in any round is an error; running out of iterations is a
// normal outcome with Reached=false.
func (o *Orchestrator) runConsensus(ctx context.Context, turn *Turn) ([]models.AgentResult, *models.ConsensusResult, error) {
	threshold := turn.Settings.ConsensusThreshold
	if threshold <= 0 {
		threshold = DefaultConsensusThreshold
	}
	if threshold > 1 {
		threshold = 1
	}
	required := int(math.Ceil(threshold * float64(len(turn.Agents))))

	message := turn.Message
	var (
		results   []models.AgentResult
		tally     *pointTally
		agreement float64
		quorum    int
	)

	for iteration := 1; iteration <= maxConsensusIterations; iteration++ {
		results = o.fanOut(ctx, turn, message)
		successes := successful(results)
		quorum = len(successes)
		if quorum < required {
			return results, nil, &ConsensusNotReachedError{
				Successes: quorum,
				Required:  required,
				Agents:    len(turn.Agents),
			}
		}

		tally = tallyPoints(successes)
		agreement = agreementLevel(successes)

		if points := tally.consensusPoints(); len(points) > 0 {
			res := &models.ConsensusResult{
				Reached:        true,
				Points:         points,
				Confidence:     float64(len(points)) / float64(tally.total()),
				AgreementLevel: agreement,
				Participants:   participantNames(successes),
				Iterations:     iteration,
			}
			o.finishConsensus(turn, res, quorum)
			return results, res, nil
		}

		if agreement >= agreementExitFraction {
			res := &models.ConsensusResult{
				Reached:        true,
				Confidence:     agreement,
				AgreementLevel: agreement,
				Participants:   participantNames(successes),
				Iterations:     iteration,
			}
			o.finishConsensus(turn, res, quorum)
			return results, res, nil
		}

		if iteration < maxConsensusIterations {
			message = synthesisPrompt(turn.Message, successes)
		}
	}

	res := &models.ConsensusResult{
		Reached:         false,
		DivergentPoints: tally.divergentPoints(maxDivergentPoints),
		AgreementLevel:  agreement,
		Iterations:      maxConsensusIterations,
	}
	o.finishConsensus(turn, res, quorum)
	return results, res, nil
}

// finishConsensus records the outcome in meta memory and emits the
// consensus_result event. Each consensus point becomes a shared fact
// sourced to the participating agents.
func (o *Orchestrator) finishConsensus(turn *Turn, res *models.ConsensusResult, successes int) {
	if o.mem != nil {
		meta := o.mem.Meta()
		for _, point := range res.Points {
			meta.AddSharedFact(point, res.Confidence, res.Participants)
		}
		consensusRate := 0.0
		if res.Reached {
			consensusRate = 1.0
		}
		meta.UpdateEffectiveness(memory.CollaborationScores{
			ConsensusRate:        consensusRate,
			GoalProgress:         res.Confidence,
			ParticipationBalance: float64(successes) / float64(len(turn.Agents)),
		})
	}
	o.emit(turn, models.Event{Type: models.EventConsensusResult, Payload: res})
}

// pointTally counts, across the successful responses of one round, how
// many responses contain each normalized key point. Display text is the
// first-seen original form.
type pointTally struct {
	order    []string
	display  map[string]string
	counts   map[string]int
	required int
}

func tallyPoints(successes []models.AgentResult) *pointTally {
	t := &pointTally{
		display:  make(map[string]string),
		counts:   make(map[string]int),
		required: int(math.Ceil(consensusPointFraction * float64(len(successes)))),
	}
	for _, res := range successes {
		seen := make(map[string]bool)
		for _, point := range keyPoints(res.Response) {
			norm := normalizePoint(point)
			if norm == "" || seen[norm] {
				continue
			}
			seen[norm] = true
			if _, ok := t.display[norm]; !ok {
				t.order = append(t.order, norm)
				t.display[norm] = point
			}
			t.counts[norm]++
		}
	}
	return t
}

func (t *pointTally) total() int { return len(t.order) }

func (t *pointTally) consensusPoints() []string {
	var out []string
	for _, norm := range t.order {
		if t.counts[norm] >= t.required {
			out = append(out, t.display[norm])
		}
	}
	return out
}

func (t *pointTally) divergentPoints(limit int) []string {
	var out []string
	for _, norm := range t.order {
		if t.counts[norm] < t.required {
			out = append(out, t.display[norm])
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

// keyPoints extracts the first qualifying sentences of a response, in
// document order.
func keyPoints(text string) []string {
	var out []string
	for _, sentence := range splitSentences(text) {
		if len(sentence) < minKeyPointLength {
			continue
		}
		out = append(out, sentence)
		if len(out) == keyPointsPerResponse {
			break
		}
	}
	return out
}

func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// normalizePoint lowercases a sentence and strips everything but letters,
// digits, and single spaces, so trivially-restated points compare equal.
func normalizePoint(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// agreementLevel is the fraction of responses containing any agreement
// phrase.
func agreementLevel(successes []models.AgentResult) float64 {
	if len(successes) == 0 {
		return 0
	}
	n := 0
	for _, res := range successes {
		lower := strings.ToLower(res.Response)
		for _, phrase := range agreementPhrases {
			if strings.Contains(lower, phrase) {
				n++
				break
			}
		}
	}
	return float64(n) / float64(len(successes))
}

// synthesisPrompt folds the round's viewpoints into the re-dispatch
// message for the next iteration.
func synthesisPrompt(original string, successes []models.AgentResult) string {
	var b strings.Builder
	b.WriteString("The group is seeking consensus on: ")
	b.WriteString(original)
	b.WriteString("\n\nCurrent positions:\n")
	for _, res := range successes {
		b.WriteString("- ")
		b.WriteString(res.Agent.Name)
		b.WriteString(": ")
		b.WriteString(clip(res.Response, maxViewpointChars))
		b.WriteString("\n")
	}
	b.WriteString("\nRestate your position, incorporating the other viewpoints and naming the points you now agree on.")
	return b.String()
}

func successful(results []models.AgentResult) []models.AgentResult {
	var out []models.AgentResult
	for _, res := range results {
		if res.Success {
			out = append(out, res)
		}
	}
	return out
}

func participantNames(successes []models.AgentResult) []string {
	out := make([]string, 0, len(successes))
	for _, res := range successes {
		name := res.Agent.Name
		if name == "" {
			name = res.Agent.ID
		}
		out = append(out, name)
	}
	return out
}

// clip truncates s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
