package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ensemble-ai/ensemble/internal/memory"
)

// How much shared knowledge to surface per prompt; the pools themselves
// are unbounded.
const (
	maxFactsInPrompt    = 5
	maxConceptsInPrompt = 3
)

// AgentProfile is the configured persona behind an agent's individual
// prompt layer.
type AgentProfile struct {
	Name                string `yaml:"name" json:"name"`
	Role                string `yaml:"role" json:"role"`
	Expertise           string `yaml:"expertise" json:"expertise"`
	Style               string `yaml:"style" json:"style"`
	SpecialInstructions string `yaml:"special_instructions" json:"special_instructions"`
}

// CollectiveFromMemory formats meta and conversation state into the
// shared prompt inputs. Either tier may be nil.
func CollectiveFromMemory(meta *memory.MetaMemory, convo *memory.ConversationMemory) CollectiveInputs {
	var in CollectiveInputs

	if meta != nil {
		profile := meta.Profile()
		var user []string
		for _, k := range sortedMapKeys(profile.Preferences) {
			user = append(user, k+"="+profile.Preferences[k])
		}
		if len(profile.Goals) > 0 {
			user = append(user, "goals: "+strings.Join(profile.Goals, ", "))
		}
		if len(profile.Highlights) > 0 {
			user = append(user, "highlights: "+strings.Join(profile.Highlights, ", "))
		}
		in.UserContext = strings.Join(user, "; ")

		var goals []string
		for _, g := range meta.ActiveGoals() {
			goals = append(goals, fmt.Sprintf("%s (%.0f%%)", g.Text, g.Progress))
		}
		in.CurrentGoals = strings.Join(goals, "; ")

		var knowledge []string
		facts := meta.Facts()
		if len(facts) > maxFactsInPrompt {
			facts = facts[len(facts)-maxFactsInPrompt:]
		}
		for _, f := range facts {
			knowledge = append(knowledge, f.Fact)
		}
		concepts := meta.Concepts()
		if len(concepts) > maxConceptsInPrompt {
			concepts = concepts[len(concepts)-maxConceptsInPrompt:]
		}
		for _, c := range concepts {
			knowledge = append(knowledge, c.Name+": "+c.Definition)
		}
		in.SharedKnowledge = strings.Join(knowledge, "; ")
	}

	if convo != nil {
		ctx := convo.GetContext(0)
		var session []string
		if len(ctx.ActiveTopics) > 0 {
			session = append(session, "active topics: "+strings.Join(ctx.ActiveTopics, ", "))
		}
		if len(ctx.AvoidedTopics) > 0 {
			session = append(session, "avoid: "+strings.Join(ctx.AvoidedTopics, ", "))
		}
		in.SessionContext = strings.Join(session, "; ")
	}

	return in
}

// IndividualFromMemory formats an agent's persona and learned state into
// the individual prompt inputs. The memory may be nil for a fresh agent.
func IndividualFromMemory(profile AgentProfile, mm *memory.ModelMemory) IndividualInputs {
	in := IndividualInputs{
		AgentName:           profile.Name,
		Role:                profile.Role,
		Expertise:           profile.Expertise,
		Style:               profile.Style,
		SpecialInstructions: profile.SpecialInstructions,
	}
	if mm == nil {
		return in
	}

	traits := mm.Traits()
	var traitParts []string
	for _, name := range sortedMapKeys(traits) {
		traitParts = append(traitParts, name+"="+traits[name].Value)
	}
	in.PersonalityTraits = strings.Join(traitParts, ", ")

	prefs := mm.Preferences()
	var prefParts []string
	for _, name := range sortedMapKeys(prefs) {
		prefParts = append(prefParts, name+"="+prefs[name].Value)
	}
	in.Preferences = strings.Join(prefParts, ", ")

	emotions := mm.Emotions()
	var emotionParts []string
	for _, name := range sortedMapKeys(emotions) {
		emotionParts = append(emotionParts, fmt.Sprintf("%s %.2f", name, emotions[name]))
	}
	in.EmotionalState = strings.Join(emotionParts, ", ")

	return in
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
