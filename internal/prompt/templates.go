package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultCollective = `You are part of a collaborative ensemble of AI agents answering on the user's behalf.

User context: {{userContext}}
Current goals: {{currentGoals}}
Shared knowledge: {{sharedKnowledge}}
Session context: {{sessionContext}}

Build on the other agents' contributions instead of repeating them, and keep the user's goals in focus.`

const defaultIndividual = `You are {{agentName}}, acting as {{role}}.
Expertise: {{expertise}}
Communication style: {{style}}
Personality: {{personalityTraits}}
Preferences: {{preferences}}
Emotional state: {{emotionalState}}
{{specialInstructions}}`

func defaultScenarios() map[string]string {
	return map[string]string{
		ScenarioConsensus:     "The group must converge on a single recommendation. State your position clearly, name the strongest opposing point you have heard, and move the discussion toward agreement.",
		ScenarioCreativity:    "Favor novel directions over safe ones. Offer at least one idea no other agent has raised yet, even if it is unpolished.",
		ScenarioAnalysis:      "Break the problem into parts, weigh the evidence for each, and make your reasoning explicit enough to be checked.",
		ScenarioLearning:      "Teach as you answer: define unfamiliar terms, give one concrete example, and end by checking the user's understanding.",
		ScenarioCollaboration: "Divide the work along each agent's strengths, state which part you are taking, and hand off cleanly to the next agent.",
	}
}

// loadDir overlays templates from the configured directory. Files are
// matched by name: collective.txt and individual.txt replace their
// layers, any other .txt file becomes a scenario named after the file.
func (a *Assembler) loadDir() error {
	entries, err := os.ReadDir(a.cfg.Dir)
	if err != nil {
		return fmt.Errorf("read template dir: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(a.cfg.Dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read template %s: %w", entry.Name(), err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		switch name := strings.TrimSuffix(entry.Name(), ".txt"); name {
		case "collective":
			a.collective = text
		case "individual":
			a.individual = text
		default:
			a.scenarios[name] = text
		}
		loaded++
	}

	if loaded > 0 {
		a.version++
		a.logger.Info("loaded prompt templates", "dir", a.cfg.Dir, "count", loaded, "version", a.version)
	}
	return nil
}

// Reload re-reads the template directory. Used by the watcher and
// callable directly.
func (a *Assembler) Reload() error {
	if a.cfg.Dir == "" {
		return nil
	}
	return a.loadDir()
}
