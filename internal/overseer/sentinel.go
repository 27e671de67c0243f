package overseer

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// sentinelPattern matches the files remediation writes when a problem needs
// a human instead of another restart.
const sentinelPattern = "manual_intervention_needed_*.txt"

// checkSentinels stops the loop when any sentinel file exists in the state
// directory.
func (o *Overseer) checkSentinels() error {
	if o.opts.StateDir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(o.opts.StateDir, sentinelPattern))
	if err != nil {
		return fmt.Errorf("scan for sentinel files: %w", err)
	}
	if len(matches) == 0 {
		return nil
	}
	sort.Strings(matches)
	names := make([]string, len(matches))
	for i, match := range matches {
		names[i] = filepath.Base(match)
	}
	return fmt.Errorf("%w: %s", ErrManualIntervention, strings.Join(names, ", "))
}
