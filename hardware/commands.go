package hardware

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// commandSpec is one entry in the closed table of dispatchable commands. The
// wire name is what the hardware server receives; validate rejects bad
// parameters before anything touches the transport.
type commandSpec struct {
	wire     string
	validate func(params map[string]any) error
}

// suggestion distance above which "did you mean" is not offered.
const maxSuggestDistance = 4

var commandTable = map[string]commandSpec{
	"set_polarization": {
		wire:     "set_polarization",
		validate: requireString("setting"),
	},
	"calibrate": {
		wire:     "calibrate",
		validate: requireParty("party", false),
	},
	"set_power": {
		wire:     "set_power",
		validate: validatePower,
	},
	"home": {
		wire:     "home",
		validate: requireParty("party", true),
	},
	"set_pc_to_bell_angles": {
		wire:     "set_pc_to_bell_angles",
		validate: func(map[string]any) error { return nil },
	},
	"move_forward": {
		wire:     "forward",
		validate: validateMove,
	},
	"move_backward": {
		wire:     "backward",
		validate: validateMove,
	},
	"move_goto": {
		wire:     "goto",
		validate: validateMove,
	},
}

// CommandNames returns the dispatchable command names, sorted.
func CommandNames() []string {
	names := make([]string, 0, len(commandTable))
	for name := range commandTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveCommand maps a dispatch name onto the command table. Unknown names
// yield a typed UnknownCommand error, with a closest-match hint when one is
// plausibly a typo.
func resolveCommand(name string) (commandSpec, *CommandError) {
	spec, ok := commandTable[name]
	if !ok {
		msg := fmt.Sprintf("command %q not found", name)
		if hint := suggestCommand(name); hint != "" {
			msg = fmt.Sprintf("%s (did you mean %q?)", msg, hint)
		}
		return commandSpec{}, &CommandError{Kind: KindUnknownCommand, Message: msg}
	}
	return spec, nil
}

func suggestCommand(name string) string {
	best := ""
	bestDist := maxSuggestDistance + 1
	for _, candidate := range CommandNames() {
		d := levenshtein.ComputeDistance(strings.ToLower(name), candidate)
		if d < bestDist {
			bestDist = d
			best = candidate
		}
	}
	if bestDist > maxSuggestDistance {
		return ""
	}
	return best
}

func requireString(key string) func(map[string]any) error {
	return func(params map[string]any) error {
		s, ok := params[key].(string)
		if !ok || strings.TrimSpace(s) == "" {
			return fmt.Errorf("parameter %q must be a non-empty string", key)
		}
		return nil
	}
}

func requireParty(key string, allowAll bool) func(map[string]any) error {
	return func(params map[string]any) error {
		s, _ := params[key].(string)
		party := strings.ToLower(strings.TrimSpace(s))
		switch party {
		case "alice", "bob", "source":
		case "all":
			if !allowAll {
				return fmt.Errorf("party must be 'alice', 'bob', or 'source'")
			}
		default:
			if allowAll {
				return fmt.Errorf("party must be 'alice', 'bob', 'source', or 'all'")
			}
			return fmt.Errorf("party must be 'alice', 'bob', or 'source'")
		}
		params[key] = party
		return nil
	}
}

func validatePower(params map[string]any) error {
	power, ok := asFloat(params["power"])
	if !ok {
		return fmt.Errorf("parameter %q must be a number", "power")
	}
	if power < 0.0 || power > 1.0 {
		return fmt.Errorf("power must be between 0.0 and 1.0")
	}
	return nil
}

func validateMove(params map[string]any) error {
	if err := requireParty("party", false)(params); err != nil {
		return err
	}
	if err := requireString("waveplate")(params); err != nil {
		return err
	}
	if _, ok := asFloat(params["position"]); !ok {
		return fmt.Errorf("parameter %q must be a number", "position")
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
