package generator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"recurflow/internal/domain"
)

// Command runs an external report builder. The occurrence is passed in
// RECURFLOW_* environment variables and trimmed stdout is the artifact
// reference.
type Command struct {
	Command string
	Args    []string
}

func (c Command) Generate(ctx context.Context, s domain.Schedule, windowStart, now time.Time) (string, error) {
	if c.Command == "" {
		return "", fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Env = append(os.Environ(),
		"RECURFLOW_SCHEDULE_ID="+s.ID,
		"RECURFLOW_OWNER_SCOPE_ID="+s.OwnerScopeID,
		"RECURFLOW_KIND="+string(s.Kind),
		"RECURFLOW_FREQUENCY="+string(s.Recurrence.Frequency),
		"RECURFLOW_OCCURRENCE="+strconv.Itoa(s.OccurrenceCount+1),
		"RECURFLOW_WINDOW_START="+windowStart.UTC().Format(time.RFC3339),
		"RECURFLOW_WINDOW_END="+now.UTC().Format(time.RFC3339),
		"RECURFLOW_PAYLOAD="+string(s.Payload),
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("command error: %v; stderr=%s", err, stderr.String())
	}
	return strings.TrimSpace(string(out)), nil
}
