package sessions

import (
	"fmt"
	"strings"
)

var thinkingLevels = map[string]bool{
	ThinkingOff: true, ThinkingMinimal: true, ThinkingLow: true,
	ThinkingMedium: true, ThinkingHigh: true,
}

var queueModes = map[string]bool{
	QueueInterrupt: true, QueueSteer: true, QueueFollowup: true, QueueDrop: true,
}

const commandsHelp = `/think off|minimal|low|medium|high — set thinking level
/verbose on|off — tool output verbosity
/elevated off|ask|on — host shell elevation
/model <name> — override the session model
/reset — start a fresh session
/compact — compact the session context now
/activation mention|always — group activation mode
/status — session status
/whoami — your sender id
/commands — this list`

// ApplyDirective applies a parsed directive to the session record and
// returns the reply text for the operator. /compact is not handled here:
// it needs an agent turn, so the dispatcher intercepts it before calling.
func ApplyDirective(s *Store, key string, d Directive, sender string) (string, error) {
	switch d.Command {
	case "think":
		level := strings.ToLower(strings.TrimSpace(d.Args))
		if !thinkingLevels[level] {
			return "usage: /think off|minimal|low|medium|high", nil
		}
		err := s.Patch(key, func(e *Entry) error {
			e.ThinkingLevel = level
			return nil
		})
		return fmt.Sprintf("thinking level set to %s", level), err

	case "verbose":
		v := strings.ToLower(strings.TrimSpace(d.Args))
		if v != VerboseOn && v != VerboseOff {
			return "usage: /verbose on|off", nil
		}
		err := s.Patch(key, func(e *Entry) error {
			e.VerboseLevel = v
			return nil
		})
		return fmt.Sprintf("verbose %s", v), err

	case "elevated":
		v := strings.ToLower(strings.TrimSpace(d.Args))
		if v != ElevatedOff && v != ElevatedAsk && v != ElevatedOn {
			return "usage: /elevated off|ask|on", nil
		}
		err := s.Patch(key, func(e *Entry) error {
			e.ElevatedLevel = v
			return nil
		})
		return fmt.Sprintf("elevated %s", v), err

	case "model":
		model := strings.TrimSpace(d.Args)
		if model == "" {
			e, _ := s.Entry(key)
			if e.Model == "" {
				return "model: default", nil
			}
			return "model: " + e.Model, nil
		}
		err := s.Patch(key, func(e *Entry) error {
			e.Model = model
			return nil
		})
		return fmt.Sprintf("model set to %s", model), err

	case "reset":
		_, err := s.Reset(key)
		return "session reset", err

	case "activation":
		v := strings.ToLower(strings.TrimSpace(d.Args))
		if v != ActivationMention && v != ActivationAlways {
			return "usage: /activation mention|always", nil
		}
		err := s.Patch(key, func(e *Entry) error {
			e.GroupActivation = v
			return nil
		})
		return fmt.Sprintf("activation set to %s", v), err

	case "status":
		e, _ := s.Entry(key)
		return Describe(key, e), nil

	case "whoami":
		return "sender: " + sender, nil

	case "commands":
		return commandsHelp, nil

	default:
		return "", fmt.Errorf("unknown directive %q", d.Command)
	}
}
